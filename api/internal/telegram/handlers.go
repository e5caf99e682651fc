package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
)

func (r *Router) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	h := handleFor(cid)
	switch msg.Command() {
	case "start", "help":
		text := textWelcome
		// no photo prompt while the classifier is down
		if st := r.Ctrl.Status(ctx, h, r.DB); !st.Ready() {
			text = textWelcomeTitle + formatStatus(st)
		}
		if n := r.Ctrl.TakeNotice(h); n != nil {
			text = formatNotice(n) + "\n\n" + text
		}
		r.send(cid, text)
	case "new":
		if prev, ok := takePrompt(cid); ok {
			r.dropKeyboard(cid, prev)
		}
		r.Ctrl.Reset(h)
		r.send(cid, textNewSession)
	case "status":
		r.typing(cid)
		st := r.Ctrl.Status(ctx, h, r.DB)
		r.send(cid, formatStatus(st))
	case "debug":
		st, err := r.Ctrl.Snapshot(h)
		if errors.Is(err, identify.ErrSessionNotFound) {
			r.send(cid, "No hay una sesión activa. "+textSendPhoto)
			return
		}
		r.send(cid, formatDebug(st))
	case "motor":
		r.handleEngineCommand(cid, msg.CommandArguments())
	default:
		r.send(cid, "Comando desconocido. Usa /help para ver los comandos.")
	}
}

// handleEngineCommand shows or switches the prediction engine of the chat.
//
//	/motor
//	/motor onnx
//	/motor gemini
func (r *Router) handleEngineCommand(cid int64, args string) {
	h := handleFor(cid)
	names := r.Engines.Names()
	name := strings.ToLower(strings.TrimSpace(args))
	if name == "" {
		r.send(cid, fmt.Sprintf("Motor actual: *%s*\nDisponibles: %s\nUso: /motor <nombre>",
			esc(r.Engines.For(h).Name()), esc(strings.Join(names, " | "))))
		return
	}
	if err := r.Engines.Set(h, name); err != nil {
		r.send(cid, "Motor desconocido. Disponibles: "+esc(strings.Join(names, " | ")))
		return
	}
	r.Log.Info("engine switched", "chat", cid, "engine", name)
	r.send(cid, "✅ Motor: "+esc(name))
}
