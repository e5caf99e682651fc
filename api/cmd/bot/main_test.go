package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/config"
)

func TestRetryDelayFromError(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryDelayFromError(nil))
	assert.Equal(t, 7*time.Second, retryDelayFromError(errors.New("Too Many Requests: retry after 7")))
	assert.Equal(t, 3*time.Second, retryDelayFromError(errors.New("too many requests")))
	assert.Equal(t, time.Second, retryDelayFromError(errors.New("connection reset")))
}

func TestShortHash(t *testing.T) {
	a := shortHash("123:abc")
	assert.Len(t, a, 16)
	assert.Equal(t, a, shortHash("123:abc"))
	assert.NotEqual(t, a, shortHash("123:abd"))
}

type scriptedSource struct {
	calls   int
	offsets []int
	cancel  context.CancelFunc
}

func (s *scriptedSource) GetUpdates(c tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	s.calls++
	s.offsets = append(s.offsets, c.Offset)
	switch s.calls {
	case 1:
		return []tgbotapi.Update{{UpdateID: 10}, {UpdateID: 11}}, nil
	case 2:
		return nil, errors.New("boom")
	default:
		s.cancel()
		return nil, nil
	}
}

func TestRunPollingAdvancesOffset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{cancel: cancel}
	var seen []int
	runPolling(ctx, src, slog.New(slog.NewTextHandler(io.Discard, nil)), func(u tgbotapi.Update) {
		seen = append(seen, u.UpdateID)
	})
	assert.Equal(t, []int{10, 11}, seen)
	assert.Equal(t, []int{0, 12, 12}, src.offsets)
}

func TestBuildEngines(t *testing.T) {
	cfg := &config.Config{
		PredictorBackend: config.BackendONNX,
		PredictorURL:     "http://localhost:8000",
		PredictorTimeout: time.Second,
		PredictorRPS:     1,
	}
	m, err := buildEngines(cfg, nil)
	assert.NoError(t, err)
	assert.Equal(t, "onnx", m.Default().Name())
	assert.Equal(t, []string{"onnx"}, m.Names())

	cfg.PredictorBackend = config.BackendGemini
	_, err = buildEngines(cfg, nil)
	assert.Error(t, err)
}
