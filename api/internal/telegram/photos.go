package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/intake"
)

// acceptImage downloads a photo or image document, validates it and starts a
// new identification for the chat.
func (r *Router) acceptImage(ctx context.Context, cid int64, fileID string, size int64) {
	if r.Rules.MaxSize > 0 && size > r.Rules.MaxSize {
		r.sendError(cid, intake.ErrTooLarge)
		return
	}
	r.typing(cid)

	url, err := r.Bot.GetFileDirectURL(fileID)
	if err != nil {
		r.Log.Warn("get file failed", "chat", cid, "err", err)
		r.send(cid, textDownloadFailed)
		return
	}
	data, err := r.download(ctx, url)
	if err != nil {
		r.Log.Warn("download failed", "chat", cid, "err", err)
		r.send(cid, textDownloadFailed)
		return
	}
	img, err := intake.Prepare(data, r.Rules)
	if err != nil {
		r.sendError(cid, err)
		return
	}

	r.send(cid, textAnalyzing)
	r.typing(cid)
	st, err := r.Ctrl.StartSession(ctx, handleFor(cid), img)
	if err != nil {
		r.sendError(cid, err)
		return
	}
	r.showPrediction(cid, st)
}

func (r *Router) showPrediction(cid int64, st identify.State) {
	if st.Current == nil {
		r.send(cid, textSendPhoto)
		return
	}
	if u := st.Current.Info.ImageURL; u != "" {
		r.sendReferencePhoto(cid, u, st.Current.Info.DisplayName())
	}
	r.sendWithKeyboard(cid, formatPrediction(*st.Current, st.AttemptCount), predictionKeyboard())
}

// sendReferencePhoto is best effort: the feedback server may not have an
// image for every species.
func (r *Router) sendReferencePhoto(cid int64, url, caption string) {
	p := tgbotapi.NewPhoto(cid, tgbotapi.FileURL(url))
	p.Caption = "Imagen de referencia: " + caption
	if _, err := r.Bot.Send(p); err != nil {
		r.Log.Debug("reference image not sent", "chat", cid, "url", url, "err", err)
	}
}

func (r *Router) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	if limit := r.Rules.MaxSize; limit > 0 {
		// one byte over the limit is enough for intake.Prepare to refuse it
		return io.ReadAll(io.LimitReader(resp.Body, limit+1))
	}
	return io.ReadAll(resp.Body)
}
