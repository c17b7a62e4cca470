// backfill-embeddings enqueues River catalog embedding jobs for active price items that have
// no embedding for a provider. Providers default to those with an API key set; override with
// BACKFILL_PROVIDERS=openai,cohere,gemini. Workers in the API process run the jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/boqpro/pricematch/internal/cohere"
	"github.com/boqpro/pricematch/internal/googleai"
	"github.com/boqpro/pricematch/internal/openai"
	"github.com/boqpro/pricematch/internal/repository"
	"github.com/boqpro/pricematch/internal/workers"
	"github.com/boqpro/pricematch/pkg/database"
)

var errNoProviders = errors.New("no embedding provider configured (set an API key or BACKFILL_PROVIDERS)")

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env for consistency with the API server.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		slog.Error("DATABASE_URL is required")

		return exitFailure
	}

	providers, err := backfillProviders()
	if err != nil {
		slog.Error(err.Error())

		return exitFailure
	}

	limit := getEnvAsInt("BACKFILL_LIMIT", 0)
	if limit < 0 {
		limit = 0
	}

	ctx := context.Background()

	db, err := database.NewPostgresPool(ctx, databaseURL, database.WithVectorTypes())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)

		return exitFailure
	}
	defer db.Close()

	// Insert-only client: no queues or workers are started here.
	riverClient, err := river.NewClient(riverpgxv5.New(db), &river.Config{})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)

		return exitFailure
	}

	stats, err := workers.Backfill(ctx, repository.NewPostgresStore(db), workers.NewRiverInserter(riverClient), providers, limit)
	if err != nil {
		slog.Error("Backfill failed", "error", err)

		return exitFailure
	}

	total := 0
	for provider, n := range stats.Enqueued {
		slog.Info("Backfill complete", "provider", provider, "enqueued", n)
		total += n
	}

	fmt.Printf("Enqueued %d embedding job(s) across %d provider(s).\n", total, len(providers))

	if stats.Errors > 0 {
		slog.Warn("Backfill finished with errors", "errors", stats.Errors)

		return exitFailure
	}

	return exitSuccess
}

func backfillProviders() ([]string, error) {
	if list := os.Getenv("BACKFILL_PROVIDERS"); list != "" {
		var out []string

		for p := range strings.SplitSeq(list, ",") {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				out = append(out, p)
			}
		}

		if len(out) == 0 {
			return nil, errNoProviders
		}

		return out, nil
	}

	var out []string

	for _, p := range []struct{ env, name string }{
		{"OPENAI_API_KEY", openai.ProviderName},
		{"COHERE_API_KEY", cohere.ProviderName},
		{"GEMINI_API_KEY", googleai.ProviderName},
	} {
		if os.Getenv(p.env) != "" {
			out = append(out, p.name)
		}
	}

	if len(out) == 0 {
		return nil, errNoProviders
	}

	return out, nil
}

func getEnvAsInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}

	return n
}
