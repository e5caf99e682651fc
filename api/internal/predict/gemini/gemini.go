// Package gemini classifies plant photos with a Gemini vision model, limited
// to the species of the catalog.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/util"
)

type Engine struct {
	APIKey string
	Model  string
	labels []string
	index  map[string]string // lower-case -> canonical
}

// New builds an engine that answers only with one of labels.
func New(apiKey, model string, labels []string) *Engine {
	e := &Engine{
		APIKey: strings.TrimSpace(apiKey),
		Model:  strings.TrimSpace(model),
		index:  make(map[string]string, len(labels)),
	}
	for _, l := range labels {
		l = plant.NormalizeSpecies(l)
		if l == "" {
			continue
		}
		if _, dup := e.index[strings.ToLower(l)]; dup {
			continue
		}
		e.index[strings.ToLower(l)] = l
		e.labels = append(e.labels, l)
	}
	sort.Strings(e.labels)
	return e
}

func (e *Engine) Name() string { return "gemini" }

const systemPrompt = `Eres un botánico que identifica plantas a partir de una FOTO.
Responde SOLO con especies de la lista de etiquetas permitidas, escritas exactamente como aparecen.
Nunca respondas con una especie de la lista de excluidas.
La confianza es un número entre 0 y 1; la suma de todas las confianzas no debe superar 1.
Devuelve solo JSON, sin texto adicional, con esta forma:
{"candidates": [{"species": string, "confidence": number}]}
ordenado de mayor a menor confianza.`

// runnersUp is how many ranked candidates accompany a top-1 prediction.
const runnersUp = 4

type answer struct {
	Candidates []plant.Candidate `json:"candidates"`
}

func (e *Engine) Predict(ctx context.Context, img plant.Image, excluded []string) (plant.Prediction, error) {
	cands, err := e.classify(ctx, img, 1+runnersUp, excluded)
	if err != nil {
		return plant.Prediction{}, fmt.Errorf("gemini predict: %w", err)
	}
	if len(cands) == 0 {
		return plant.Prediction{}, fmt.Errorf("gemini predict: %w: no allowed species in answer", plant.ErrBadResponse)
	}
	return plant.Prediction{
		Species:      cands[0].Species,
		Confidence:   cands[0].Confidence,
		Alternatives: cands[1:],
		Engine:       e.Name(),
		PredictedAt:  time.Now(),
	}, nil
}

func (e *Engine) RankAlternatives(ctx context.Context, img plant.Image, count int, excluded []string) ([]plant.Candidate, error) {
	if count <= 0 {
		count = 5
	}
	cands, err := e.classify(ctx, img, count, excluded)
	if err != nil {
		return nil, fmt.Errorf("gemini rank: %w", err)
	}
	return cands, nil
}

// HealthCheck asks the API for the model metadata.
func (e *Engine) HealthCheck(ctx context.Context) (plant.Health, error) {
	h := plant.Health{SpeciesCount: len(e.labels)}
	if e.APIKey == "" {
		h.Detail = "GEMINI_API_KEY is empty"
		return h, nil
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		h.Detail = err.Error()
		return h, nil
	}
	defer cl.Close()
	if _, err := cl.GenerativeModel(e.Model).Info(ctx); err != nil {
		h.Detail = err.Error()
		return h, nil
	}
	h.Available = len(e.labels) > 0
	return h, nil
}

func (e *Engine) classify(ctx context.Context, img plant.Image, count int, excluded []string) ([]plant.Candidate, error) {
	if e.APIKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is empty", plant.ErrUnavailable)
	}
	if img.Empty() {
		return nil, fmt.Errorf("%w: empty image", plant.ErrMalformedInput)
	}
	allowed := e.allowed(excluded)
	if len(allowed) == 0 {
		return nil, nil
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plant.ErrUnavailable, err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(e.Model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	parts := []genai.Part{
		genai.Text(userPrompt(allowed, excluded, count)),
		&genai.Blob{MIMEType: util.PickMIME(img.MIME, "", img.Data), Data: img.Data},
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := m.GenerateContent(ctx, parts...)
		if err != nil {
			var blocked *genai.BlockedError
			if errors.As(err, &blocked) {
				return nil, fmt.Errorf("%w: %v", plant.ErrMalformedInput, err)
			}
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", plant.ErrUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		txt := firstText(resp)
		if txt == "" {
			return nil, fmt.Errorf("%w: empty response", plant.ErrBadResponse)
		}
		return e.parse(txt, excluded, count)
	}
	return nil, fmt.Errorf("%w: %v", plant.ErrUnavailable, lastErr)
}

func (e *Engine) allowed(excluded []string) []string {
	out := make([]string, 0, len(e.labels))
	for _, l := range e.labels {
		if !containsFold(excluded, l) {
			out = append(out, l)
		}
	}
	return out
}

func userPrompt(allowed, excluded []string, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Devuelve hasta %d candidatas.\n", count)
	b.WriteString("Etiquetas permitidas:\n")
	for _, l := range allowed {
		b.WriteString("- " + l + "\n")
	}
	if len(excluded) > 0 {
		b.WriteString("Excluidas (el usuario ya las rechazó):\n")
		for _, x := range excluded {
			b.WriteString("- " + x + "\n")
		}
	}
	return b.String()
}

// parse decodes the model answer and keeps only catalog species that are not
// excluded, canonically spelled, deduplicated and in descending confidence.
func (e *Engine) parse(txt string, excluded []string, count int) ([]plant.Candidate, error) {
	txt = util.StripCodeFences(strings.TrimSpace(txt))
	var a answer
	if err := json.Unmarshal([]byte(txt), &a); err != nil {
		return nil, fmt.Errorf("%w: bad JSON: %v", plant.ErrBadResponse, err)
	}
	out := make([]plant.Candidate, 0, len(a.Candidates))
	seen := map[string]bool{}
	for _, c := range a.Candidates {
		name, ok := e.index[strings.ToLower(plant.NormalizeSpecies(c.Species))]
		if !ok || seen[name] || containsFold(excluded, name) {
			continue
		}
		seen[name] = true
		out = append(out, plant.Candidate{Species: name, Confidence: clamp(c.Confidence)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func containsFold(list []string, s string) bool {
	s = plant.NormalizeSpecies(s)
	for _, x := range list {
		if strings.EqualFold(plant.NormalizeSpecies(x), s) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
