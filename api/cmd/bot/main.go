package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/catalog"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/config"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/feedback/gcs"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/feedback/remote"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/httpapi"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/intake"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/predict"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/predict/gemini"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/predict/onnx"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/store"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/telegram"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if lv, err := cfg.SlogLevel(); err == nil {
		logLevel.Set(lv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Species catalog (optional) ---
	var cat *catalog.Catalog
	if cfg.SpeciesCatalog != "" {
		cat, err = catalog.Load(cfg.SpeciesCatalog)
		if err != nil {
			logger.Error("failed to load species catalog", "error", err)
			os.Exit(1)
		}
		logger.Info("species catalog loaded", "path", cfg.SpeciesCatalog, "species", cat.Len())
	}

	// --- Postgres (optional) ---
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err, "dsn", config.SafeDSNSummary(cfg.DatabaseURL))
			os.Exit(1)
		}
		defer db.Close()
		if err := store.Migrate(ctx, db); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("db connected", "dsn", config.SafeDSNSummary(cfg.DatabaseURL))
	}

	// --- Engines ---
	engines, err := buildEngines(cfg, cat)
	if err != nil {
		logger.Error("failed to configure prediction engines", "error", err)
		os.Exit(1)
	}
	logger.Info("prediction engines ready", "default", engines.Default().Name(), "available", engines.Names())

	// --- Feedback ---
	deps := identify.Deps{
		Predictor: engines.Default(),
		Engines:   engines,
		Logger:    logger,
	}
	switch cfg.FeedbackBackend {
	case config.FeedbackGCS:
		fb, err := gcs.New(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile, cfg.RetrainThreshold)
		if err != nil {
			logger.Error("failed to open feedback bucket", "error", err)
			os.Exit(1)
		}
		defer fb.Close()
		deps.Feedback = fb
	default:
		fb := remote.New(cfg.FeedbackURL, cfg.PredictorTimeout)
		deps.Feedback = fb
		deps.Images = fb
	}

	// --- Reference data and journal ---
	var pinger identify.Pinger
	switch {
	case db != nil:
		deps.Reference = store.NewSpeciesRepo(db)
		deps.Journal = store.NewIdentificationRepo(db)
		pinger = db
	case cat != nil:
		deps.Reference = cat
	}

	ctrl := identify.NewController(
		identify.NewStore(cfg.MaxAttempts, cfg.SessionTTL),
		deps,
		cfg.AlternativesCount,
	)
	go ctrl.RunSweeper(ctx, time.Minute)

	rules := intake.Rules{MaxSize: cfg.MaxFileSize(), Allowed: cfg.AllowedExtensions}
	router := httpapi.NewRouter(ctrl, pinger, rules, cfg.APIKey, logger)

	// --- Telegram bot (optional) ---
	var bot *tgbotapi.BotAPI
	if cfg.BotEnabled() {
		bot, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			logger.Error("failed to start telegram bot", "error", err)
			os.Exit(1)
		}
		bot.Debug = false
		tr := telegram.NewRouter(bot, ctrl, engines, rules, logger)
		tr.DB = pinger
		if wh := strings.TrimSpace(cfg.WebhookURL); wh != "" {
			if err := startWebhookMode(ctx, router, bot, tr, wh, logger); err != nil {
				logger.Error("failed to register webhook", "error", err)
				os.Exit(1)
			}
		} else {
			go startPollingMode(ctx, bot, tr, logger)
		}
	} else {
		logger.Info("TELEGRAM_BOT_TOKEN is empty, telegram bot disabled")
	}

	// --- Server ---
	addr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

// buildEngines registers the ONNX server and, when configured, the Gemini
// vision engine; PREDICTOR_BACKEND picks the default.
func buildEngines(cfg *config.Config, cat *catalog.Catalog) (*predict.Manager, error) {
	onnxEngine := onnx.New(cfg.PredictorURL, cfg.PredictorTimeout, cfg.PredictorRPS)

	var gem plant.Predictor
	if cfg.GeminiAPIKey != "" && cat != nil {
		gem = gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel, cat.Names())
	}

	switch cfg.PredictorBackend {
	case config.BackendGemini:
		if gem == nil {
			return nil, errors.New("gemini backend needs GEMINI_API_KEY and SPECIES_CATALOG")
		}
		return predict.NewManager(gem, onnxEngine), nil
	default:
		if gem == nil {
			return predict.NewManager(onnxEngine), nil
		}
		return predict.NewManager(onnxEngine, gem), nil
	}
}

// ---------------- Modes -----------------

func startWebhookMode(ctx context.Context, mux *chi.Mux, bot *tgbotapi.BotAPI, tr *telegram.Router, baseURL string, logger *slog.Logger) error {
	// secret webhook path
	path := "/webhook/" + shortHash(bot.Token)
	public := strings.TrimRight(baseURL, "/") + path

	wh, err := tgbotapi.NewWebhook(public)
	if err != nil {
		return err
	}
	wh.DropPendingUpdates = true
	if _, err := bot.Request(wh); err != nil {
		return err
	}

	mux.Post(path, func(w http.ResponseWriter, r *http.Request) {
		upd, err := bot.HandleUpdate(r)
		if err != nil {
			logger.Warn("bad webhook update", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// answer Telegram right away; identification can take a while
		go tr.HandleUpdate(context.WithoutCancel(ctx), *upd)
		w.WriteHeader(http.StatusOK)
	})
	logger.Info("telegram webhook mode", "path", path)
	return nil
}

func startPollingMode(ctx context.Context, bot *tgbotapi.BotAPI, tr *telegram.Router, logger *slog.Logger) {
	logger.Info("telegram polling mode")
	runPolling(ctx, bot, logger, func(upd tgbotapi.Update) {
		tr.HandleUpdate(ctx, upd)
	})
}

// ---------------- Polling loop -----------------

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") { // HTTP 429 from Telegram
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return 2 * time.Second
		}
	}
	return 1 * time.Second
}

// updateSource is the part of *tgbotapi.BotAPI the polling loop uses.
type updateSource interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

func runPolling(ctx context.Context, bot updateSource, logger *slog.Logger, handle func(tgbotapi.Update)) {
	offset := 0
	baseDelay := 1 * time.Second
	maxDelay := 15 * time.Second

	for {
		select {
		case <-ctx.Done():
			logger.Info("polling: context cancelled")
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30 // long polling timeout (sec)

		updates, err := bot.GetUpdates(u)
		if err != nil {
			d := min(max(retryDelayFromError(err), baseDelay), maxDelay)
			logger.Warn("polling error", "error", err, "retry_in", d.String())
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			handle(upd)
		}

		if len(updates) == 0 && !sleep(ctx, 200*time.Millisecond) {
			return
		}
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ---------------- Helpers -----------------

func shortHash(s string) string {
	// FNV-1a: stable per token, not a secret by itself
	h := uint64(1469598103934665603)
	const prime = 1099511628211
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return fmt.Sprintf("%016x", h)
}
