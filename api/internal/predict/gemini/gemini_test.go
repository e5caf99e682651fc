package gemini

import (
	"context"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

func newEngine() *Engine {
	return New("key", "gemini-2.5-flash", []string{
		"Monstera deliciosa", "Ficus elastica", " ficus  elastica", "Aloe vera", "",
	})
}

func TestNewNormalizesLabels(t *testing.T) {
	e := newEngine()
	assert.Equal(t, []string{"Aloe vera", "Ficus elastica", "Monstera deliciosa"}, e.labels)
}

func TestParseFiltersAndSorts(t *testing.T) {
	e := newEngine()
	txt := "```json\n" + `{"candidates":[
		{"species":"aloe vera","confidence":0.2},
		{"species":"Rosa chinensis","confidence":0.9},
		{"species":"Ficus elastica","confidence":0.7},
		{"species":"Monstera deliciosa","confidence":1.4},
		{"species":"Aloe vera","confidence":0.1}
	]}` + "\n```"
	got, err := e.parse(txt, []string{"ficus elastica"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []plant.Candidate{
		{Species: "Monstera deliciosa", Confidence: 1},
		{Species: "Aloe vera", Confidence: 0.2},
	}, got)
}

func TestParseTruncates(t *testing.T) {
	e := newEngine()
	got, err := e.parse(`{"candidates":[{"species":"Aloe vera","confidence":0.5},{"species":"Ficus elastica","confidence":0.4}]}`, nil, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "Aloe vera", got[0].Species)
}

func TestParseBadJSON(t *testing.T) {
	_, err := newEngine().parse("la planta es un ficus", nil, 5)
	assert.ErrorIs(t, err, plant.ErrBadResponse)
}

func TestUserPromptListsAllowedAndExcluded(t *testing.T) {
	e := newEngine()
	p := userPrompt(e.allowed([]string{"Aloe vera"}), []string{"Aloe vera"}, 3)
	assert.Contains(t, p, "hasta 3 candidatas")
	assert.Contains(t, p, "- Ficus elastica\n")
	assert.Contains(t, p, "Excluidas")
	assert.Equal(t, []string{"Ficus elastica", "Monstera deliciosa"}, e.allowed([]string{"Aloe vera"}))
}

func TestClassifyWithoutKey(t *testing.T) {
	e := New("", "m", []string{"Aloe vera"})
	_, err := e.Predict(context.Background(), plant.Image{Data: []byte{1}}, nil)
	assert.ErrorIs(t, err, plant.ErrUnavailable)

	h, err := e.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Available)
	assert.Equal(t, 1, h.SpeciesCount)
}

func TestFirstText(t *testing.T) {
	assert.Empty(t, firstText(nil))
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
		{Content: nil},
		{Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"candidates":[]}`)}}},
	}}
	assert.Equal(t, `{"candidates":[]}`, firstText(resp))
}
