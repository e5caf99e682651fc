// Package onnx talks to the model server that hosts the ONNX plant classifier.
//
// Wire format (JSON over HTTP):
//
//	POST /predict  {"image": b64, "mime": "image/jpeg", "exclude": [...]}
//	               -> {"success": bool, "species": "", "confidence": 0.0, "alternatives": [...], "error": ""}
//	POST /rank     {"image": b64, "mime": "...", "count": 5, "exclude": [...]}
//	               -> {"results": [{"species": "", "confidence": 0.0}]}
//	GET  /health   -> {"available": bool, "species_count": 0}
package onnx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/util"
)

type Engine struct {
	BaseURL string
	httpc   *http.Client
	limiter *rate.Limiter
}

// New builds an engine limited to rps requests per second with a burst of the same size.
func New(baseURL string, timeout time.Duration, rps float64) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Engine{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (e *Engine) Name() string { return "onnx" }

type predictRequest struct {
	Image   string   `json:"image"`
	MIME    string   `json:"mime"`
	Exclude []string `json:"exclude"`
	Count   int      `json:"count,omitempty"`
}

type predictResponse struct {
	Success      bool              `json:"success"`
	Species      string            `json:"species"`
	Confidence   float64           `json:"confidence"`
	Alternatives []plant.Candidate `json:"alternatives"`
	Error        string            `json:"error"`
}

type rankResponse struct {
	Results []plant.Candidate `json:"results"`
}

func (e *Engine) Predict(ctx context.Context, img plant.Image, excluded []string) (plant.Prediction, error) {
	if img.Empty() {
		return plant.Prediction{}, fmt.Errorf("onnx predict: %w: empty image", plant.ErrMalformedInput)
	}
	var out predictResponse
	if err := e.post(ctx, "/predict", request(img, excluded, 0), &out); err != nil {
		return plant.Prediction{}, fmt.Errorf("onnx predict: %w", err)
	}
	if !out.Success {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "model reported failure"
		}
		return plant.Prediction{}, fmt.Errorf("onnx predict: %w: %s", plant.ErrUnavailable, msg)
	}
	if strings.TrimSpace(out.Species) == "" {
		return plant.Prediction{}, fmt.Errorf("onnx predict: %w: empty species", plant.ErrBadResponse)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return plant.Prediction{}, fmt.Errorf("onnx predict: %w: confidence %v out of range", plant.ErrBadResponse, out.Confidence)
	}
	return plant.Prediction{
		Species:      plant.NormalizeSpecies(out.Species),
		Confidence:   out.Confidence,
		Alternatives: out.Alternatives,
		Engine:       e.Name(),
		PredictedAt:  time.Now(),
	}, nil
}

func (e *Engine) RankAlternatives(ctx context.Context, img plant.Image, count int, excluded []string) ([]plant.Candidate, error) {
	if img.Empty() {
		return nil, fmt.Errorf("onnx rank: %w: empty image", plant.ErrMalformedInput)
	}
	if count <= 0 {
		count = 5
	}
	var out rankResponse
	if err := e.post(ctx, "/rank", request(img, excluded, count), &out); err != nil {
		return nil, fmt.Errorf("onnx rank: %w", err)
	}
	return out.Results, nil
}

func (e *Engine) HealthCheck(ctx context.Context) (plant.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/health", nil)
	if err != nil {
		return plant.Health{}, err
	}
	var h plant.Health
	if err := e.do(req, &h); err != nil {
		return plant.Health{Detail: err.Error()}, fmt.Errorf("onnx health: %w", err)
	}
	return h, nil
}

func request(img plant.Image, excluded []string, count int) predictRequest {
	if excluded == nil {
		excluded = []string{}
	}
	return predictRequest{
		Image:   base64.StdEncoding.EncodeToString(img.Data),
		MIME:    util.PickMIME(img.MIME, "", img.Data),
		Exclude: excluded,
		Count:   count,
	}
}

func (e *Engine) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, out)
}

// do waits for the limiter, sends req and decodes a 200 JSON body into out.
// Transport failures and 5xx/429 map to plant.ErrUnavailable, other 4xx to
// plant.ErrMalformedInput, undecodable bodies to plant.ErrBadResponse.
func (e *Engine) do(req *http.Request, out any) error {
	if err := e.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("%w: %v", plant.ErrUnavailable, err)
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: timeout: %v", plant.ErrUnavailable, err)
		}
		return fmt.Errorf("%w: %v", plant.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", plant.ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", plant.ErrUnavailable, resp.StatusCode, snippet(body))
	default:
		return fmt.Errorf("%w: status %d: %s", plant.ErrMalformedInput, resp.StatusCode, snippet(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %v", plant.ErrBadResponse, err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
