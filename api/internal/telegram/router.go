package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/intake"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/predict"
)

// Sender is the part of *tgbotapi.BotAPI the router uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Router struct {
	Bot     Sender
	Ctrl    *identify.Controller
	Engines *predict.Manager
	DB      identify.Pinger // nil when no database is configured
	Rules   intake.Rules
	Log     *slog.Logger

	httpc *http.Client
}

func NewRouter(bot Sender, ctrl *identify.Controller, engines *predict.Manager, rules intake.Rules, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		Bot:     bot,
		Ctrl:    ctrl,
		Engines: engines,
		Rules:   rules,
		Log:     log.With("component", "telegram"),
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

// handleFor is the session handle of a chat.
func handleFor(chatID int64) string { return "tg:" + strconv.FormatInt(chatID, 10) }

func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		r.handleCallback(ctx, *upd.CallbackQuery)
		return
	}
	msg := upd.Message
	if msg == nil {
		return
	}
	cid := msg.Chat.ID

	switch {
	case msg.IsCommand():
		r.handleCommand(ctx, msg)
	case len(msg.Photo) > 0:
		ph := msg.Photo[len(msg.Photo)-1]
		r.acceptImage(ctx, cid, ph.FileID, int64(ph.FileSize))
	case msg.Document != nil:
		r.acceptImage(ctx, cid, msg.Document.FileID, int64(msg.Document.FileSize))
	default:
		r.send(cid, textSendPhoto)
	}
}

func (r *Router) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := r.Bot.Send(msg); err != nil {
		r.Log.Warn("send failed", "chat", chatID, "err", err)
	}
}

// sendWithKeyboard shows a screen with buttons; the previous screen of the
// chat loses its buttons.
func (r *Router) sendWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	if prev, ok := takePrompt(chatID); ok {
		r.dropKeyboard(chatID, prev)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = kb
	sent, err := r.Bot.Send(msg)
	if err != nil {
		r.Log.Warn("send failed", "chat", chatID, "err", err)
		return
	}
	rememberPrompt(chatID, sent.MessageID)
}

// dropKeyboard removes the buttons of an answered message.
func (r *Router) dropKeyboard(chatID int64, msgID int) {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
	})
	_, _ = r.Bot.Request(edit)
}

func (r *Router) typing(chatID int64) {
	_, _ = r.Bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

func (r *Router) sendError(chatID int64, err error) {
	r.send(chatID, errorText(err))
}
