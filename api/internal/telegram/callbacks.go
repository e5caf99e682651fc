package telegram

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

func (r *Router) handleCallback(ctx context.Context, cb tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	cid := cb.Message.Chat.ID
	_, _ = r.Bot.Request(tgbotapi.NewCallback(cb.ID, "")) // ack
	r.dropKeyboard(cid, cb.Message.MessageID)
	takePrompt(cid)

	switch data := cb.Data; data {
	case cbCorrect:
		r.onCorrect(ctx, cid)
	case cbIncorrect:
		r.onIncorrect(ctx, cid)
	case cbAltNone:
		r.onNoneOfThese(ctx, cid)
	default:
		if n, ok := parseAltIndex(data); ok {
			r.onAlternative(ctx, cid, n)
			return
		}
		r.Log.Debug("unknown callback", "chat", cid, "data", data)
	}
}

func (r *Router) onCorrect(ctx context.Context, cid int64) {
	r.typing(cid)
	if _, err := r.Ctrl.ConfirmCorrect(ctx, handleFor(cid)); err != nil {
		r.sendError(cid, err)
		return
	}
	r.sendNotice(cid)
}

// onIncorrect rejects the shown species and lists what else it could be.
func (r *Router) onIncorrect(ctx context.Context, cid int64) {
	h := handleFor(cid)
	if _, err := r.Ctrl.RejectCurrent(ctx, h); err != nil {
		r.sendError(cid, err)
		return
	}
	r.typing(cid)
	opts, err := r.Ctrl.ListAlternatives(ctx, h, 0)
	if err != nil {
		if !errors.Is(err, plant.ErrNoAlternatives) {
			r.Log.Warn("alternatives failed", "chat", cid, "err", err)
		}
		r.sendWithKeyboard(cid, errorText(err), alternativesKeyboard(nil))
		return
	}
	r.sendWithKeyboard(cid, formatAlternatives(opts), alternativesKeyboard(opts))
}

func (r *Router) onAlternative(ctx context.Context, cid int64, n int) {
	h := handleFor(cid)
	st, err := r.Ctrl.Snapshot(h)
	if err != nil || n >= len(st.Alternatives) {
		r.send(cid, textStale)
		return
	}
	r.typing(cid)
	if _, err := r.Ctrl.SelectAlternative(ctx, h, st.Alternatives[n].Species); err != nil {
		r.sendError(cid, err)
		return
	}
	r.sendNotice(cid)
}

func (r *Router) onNoneOfThese(ctx context.Context, cid int64) {
	if _, err := r.Ctrl.DeclineAll(ctx, handleFor(cid)); err != nil {
		r.sendError(cid, err)
		return
	}
	r.sendNotice(cid)
}

func (r *Router) sendNotice(cid int64) {
	if n := r.Ctrl.TakeNotice(handleFor(cid)); n != nil {
		r.send(cid, formatNotice(n))
		return
	}
	r.send(cid, textSendPhoto)
}
