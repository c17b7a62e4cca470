package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/models"
)

// missingEmbeddings lists active catalog items without an embedding for a provider.
type missingEmbeddings interface {
	ItemsMissingEmbedding(ctx context.Context, provider string, limit int) ([]models.PriceItem, error)
}

// embeddingInserter enqueues catalog embedding jobs.
type embeddingInserter interface {
	InsertCatalogEmbeddings(ctx context.Context, provider string, itemIDs []uuid.UUID) (int, error)
}

// BackfillStats holds per-provider counts from a backfill.
type BackfillStats struct {
	Enqueued map[string]int
	Errors   int
}

// Backfill enqueues embedding jobs for every active item missing an embedding, per provider.
// limit caps the items considered per provider; 0 means no cap.
func Backfill(ctx context.Context, items missingEmbeddings, inserter embeddingInserter, providers []string, limit int) (*BackfillStats, error) {
	stats := &BackfillStats{Enqueued: make(map[string]int, len(providers))}

	for _, provider := range providers {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		missing, err := items.ItemsMissingEmbedding(ctx, provider, limit)
		if err != nil {
			slog.ErrorContext(ctx, "backfill: list items failed", "provider", provider, "error", err)
			stats.Errors++

			continue
		}

		ids := make([]uuid.UUID, len(missing))
		for i := range missing {
			ids[i] = missing[i].ID
		}

		n, err := inserter.InsertCatalogEmbeddings(ctx, provider, ids)
		if err != nil {
			slog.ErrorContext(ctx, "backfill: enqueue failed", "provider", provider, "error", err)
			stats.Errors++

			continue
		}

		stats.Enqueued[provider] = n
		slog.InfoContext(ctx, "backfill: enqueued catalog embeddings",
			"provider", provider,
			"missing", len(missing),
			"enqueued", n,
		)
	}

	if stats.Errors == len(providers) && len(providers) > 0 {
		return stats, fmt.Errorf("backfill failed for all %d providers", len(providers))
	}

	return stats, nil
}
