// Package remote submits feedback to the retraining server over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/util"
)

type Client struct {
	BaseURL string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type feedbackResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"mensaje"`
	Progress          *int   `json:"progreso"`
	NeedsRetraining   bool   `json:"necesita_reentrenamiento"`
	RetrainingStarted bool   `json:"reentrenamiento_iniciado"`
}

type statsResponse struct {
	FeedbackTotal int `json:"total_feedback"`
	ImagesSaved   int `json:"imagenes_guardadas"`
}

// SubmitFeedback posts the record as multipart/form-data to /api/feedback.
// A response with success=false is not an error; it comes back in the receipt.
func (c *Client) SubmitFeedback(ctx context.Context, rec plant.FeedbackRecord) (plant.FeedbackReceipt, error) {
	if !rec.Kind.Valid() {
		return plant.FeedbackReceipt{}, fmt.Errorf("feedback: %w: kind %q", plant.ErrMalformedInput, rec.Kind)
	}
	body, contentType, err := encode(rec)
	if err != nil {
		return plant.FeedbackReceipt{}, fmt.Errorf("feedback: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/feedback", body)
	if err != nil {
		return plant.FeedbackReceipt{}, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return plant.FeedbackReceipt{}, fmt.Errorf("feedback: %w: %v", plant.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out feedbackResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 500 {
			return plant.FeedbackReceipt{}, fmt.Errorf("feedback: %w: status %d", plant.ErrUnavailable, resp.StatusCode)
		}
		return plant.FeedbackReceipt{}, fmt.Errorf("feedback: %w: status %d: %v", plant.ErrBadResponse, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK && out.Message == "" {
		out.Message = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return plant.FeedbackReceipt{
		Success:             out.Success && resp.StatusCode == http.StatusOK,
		Message:             out.Message,
		RetrainingProgress:  out.Progress,
		RetrainingTriggered: out.NeedsRetraining || out.RetrainingStarted,
	}, nil
}

func encode(rec plant.FeedbackRecord) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	mime := util.PickMIME(rec.Image.MIME, "", rec.Image.Data)
	ext := util.ExtensionFor(mime)
	if ext == "" {
		ext = "jpg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="imagen"; filename="%s.%s"`, rec.SessionID, ext))
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(rec.Image.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"session_id", rec.SessionID},
		{"especie_predicha", rec.PredictedSpecies},
		{"confianza", strconv.FormatFloat(rec.Confidence, 'f', 4, 64)},
		{"feedback_tipo", string(rec.Kind)},
		{"especie_correcta", rec.CorrectSpecies},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// IsAvailable probes /api/health.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Statistics(ctx context.Context) (plant.FeedbackStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/estadisticas", nil)
	if err != nil {
		return plant.FeedbackStats{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return plant.FeedbackStats{}, fmt.Errorf("feedback stats: %w: %v", plant.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return plant.FeedbackStats{}, fmt.Errorf("feedback stats: %w: status %d", plant.ErrUnavailable, resp.StatusCode)
	}
	var out statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return plant.FeedbackStats{}, fmt.Errorf("feedback stats: %w: %v", plant.ErrBadResponse, err)
	}
	return plant.FeedbackStats{FeedbackTotal: out.FeedbackTotal, ImagesSaved: out.ImagesSaved}, nil
}

// ReferenceImageURL points at the first stored photo of the species.
func (c *Client) ReferenceImageURL(scientificName string) string {
	folder := plant.FolderName(scientificName)
	if folder == "" || c.BaseURL == "" {
		return ""
	}
	return c.BaseURL + "/api/image-referencia/" + url.PathEscape(folder)
}
