// Command seed loads a species catalog (YAML) into the species table.
//
//	seed -catalog data/species.yaml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/catalog"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/config"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/store"
)

func main() {
	path := flag.String("catalog", "data/species.yaml", "species catalog file")
	dryRun := flag.Bool("dry-run", false, "validate the catalog without writing")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cat, err := catalog.Load(*path)
	if err != nil {
		logger.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("catalog valid", "path", *path, "species", cat.Len())
	if *dryRun {
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("database DSN is empty: set DATABASE_URL or POSTGRES_* env vars")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err, "dsn", config.SafeDSNSummary(cfg.DatabaseURL))
		os.Exit(1)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	repo := store.NewSpeciesRepo(db)
	for _, e := range cat.Entries() {
		if err := repo.Upsert(ctx, e.Info()); err != nil {
			logger.Error("upsert failed", "species", e.ScientificName, "error", err)
			os.Exit(1)
		}
	}
	total, err := repo.Count(ctx)
	if err != nil {
		logger.Warn("count failed", "error", err)
	}
	logger.Info("species seeded", "written", cat.Len(), "total", total)
}
