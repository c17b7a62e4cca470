package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boqpro/pricematch/internal/config"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/observability"
	"github.com/boqpro/pricematch/internal/repository"
	"github.com/boqpro/pricematch/migrations"
	"github.com/boqpro/pricematch/pkg/database"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return 1
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "backend", cfg.StoreBackend, "error", err)

		return 1
	}

	if db != nil {
		defer db.Close()
	}

	app, err := NewApp(ctx, cfg, db, store, logger)
	if err != nil {
		logger.Error("Failed to initialize application", "error", err)

		return 1
	}

	exitCode := 0

	if err := app.Run(ctx); err != nil {
		logger.Error("Application stopped with error", "error", err)

		exitCode = 1
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)

		exitCode = 1
	}

	logger.Info("Server exited")

	return exitCode
}

// openStore opens the configured backend. The pool is nil for the memory backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (appStore, *pgxpool.Pool, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		store := repository.NewMemoryStore()

		if cfg.CatalogSeedFile == "" {
			logger.Warn("memory store has no catalog; set CATALOG_SEED_FILE")

			return store, nil, nil
		}

		n, err := seedCatalog(ctx, store, cfg.CatalogSeedFile)
		if err != nil {
			return nil, nil, err
		}

		logger.Info("catalog seeded", "file", cfg.CatalogSeedFile, "items", n)

		return store, nil, nil
	}

	if err := database.Migrate(ctx, cfg.DatabaseURL, migrations.FS); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithVectorTypes(), database.WithMaxConns(cfg.DatabaseMaxConns))
	if err != nil {
		return nil, nil, err
	}

	if cfg.RiverEnabled {
		if err := database.MigrateRiver(ctx, db); err != nil {
			db.Close()

			return nil, nil, err
		}
	}

	return repository.NewPostgresStore(db), db, nil
}

// seedCatalog loads a JSON array of price items. Items without an id get a fresh one and
// items without an explicit is_active are active.
func seedCatalog(ctx context.Context, store *repository.MemoryStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}

	var raw []struct {
		models.PriceItem
		IsActive *bool `json:"is_active"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("decode catalog seed: %w", err)
	}

	items := make([]models.PriceItem, len(raw))
	for i, r := range raw {
		item := r.PriceItem
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}

		item.IsActive = r.IsActive == nil || *r.IsActive
		items[i] = item
	}

	if err := store.UpsertPriceItems(ctx, items...); err != nil {
		return 0, fmt.Errorf("seed catalog: %w", err)
	}

	return len(items), nil
}
