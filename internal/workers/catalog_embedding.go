package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/models"
)

// Embedding outcomes recorded in metrics.
const (
	outcomeSuccess     = "success"
	outcomeSkipped     = "skipped"
	outcomeRetry       = "retry"
	outcomeFailedFinal = "failed_final"
)

// catalogItems is the minimal store interface needed by the worker.
type catalogItems interface {
	GetPriceItem(ctx context.Context, id uuid.UUID) (*models.PriceItem, error)
	SetItemEmbedding(ctx context.Context, id uuid.UUID, provider string, embedding []float32) error
}

// embeddingMetrics is the part of observability.EngineMetrics the worker records to.
type embeddingMetrics interface {
	RecordCatalogEmbedding(ctx context.Context, provider, outcome string)
}

// DocumentEmbedder embeds catalog text for one provider.
type DocumentEmbedder interface {
	Name() string
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// CatalogEmbeddingWorker generates and stores catalog item embeddings.
type CatalogEmbeddingWorker struct {
	river.WorkerDefaults[CatalogEmbeddingArgs]

	items     catalogItems
	embedders map[string]DocumentEmbedder
	metrics   embeddingMetrics
}

// NewCatalogEmbeddingWorker creates the worker. metrics may be nil when metrics are disabled.
func NewCatalogEmbeddingWorker(items catalogItems, metrics embeddingMetrics, embedders ...DocumentEmbedder) *CatalogEmbeddingWorker {
	byName := make(map[string]DocumentEmbedder, len(embedders))
	for _, e := range embedders {
		byName[e.Name()] = e
	}

	return &CatalogEmbeddingWorker{items: items, embedders: byName, metrics: metrics}
}

const catalogEmbeddingTimeout = time.Minute

// Timeout limits how long a single embedding job can run.
func (w *CatalogEmbeddingWorker) Timeout(*river.Job[CatalogEmbeddingArgs]) time.Duration {
	return catalogEmbeddingTimeout
}

// Work loads the item, embeds its enriched text and stores the vector.
func (w *CatalogEmbeddingWorker) Work(ctx context.Context, job *river.Job[CatalogEmbeddingArgs]) error {
	args := job.Args

	embedder, ok := w.embedders[args.Provider]
	if !ok {
		w.record(ctx, args.Provider, outcomeFailedFinal)
		slog.ErrorContext(ctx, "catalog embedding: provider not configured", "provider", args.Provider)

		return nil // retrying cannot configure the provider
	}

	item, err := w.items.GetPriceItem(ctx, args.ItemID)
	if err != nil {
		w.record(ctx, args.Provider, outcomeFailedFinal)
		slog.ErrorContext(ctx, "catalog embedding: get item failed",
			"item_id", args.ItemID,
			"error", err,
		)

		return nil // no retry when the item is gone
	}

	text := item.EmbeddingText()
	if !item.IsActive || strings.TrimSpace(item.Description) == "" {
		w.record(ctx, args.Provider, outcomeSkipped)
		slog.InfoContext(ctx, "catalog embedding: skipped", "item_id", args.ItemID, "active", item.IsActive)

		return nil
	}

	embedding, err := embedder.EmbedDocument(ctx, text)
	if err != nil {
		final := job.Attempt >= job.MaxAttempts || apperrors.IsPermanentProviderError(err)
		if final {
			w.record(ctx, args.Provider, outcomeFailedFinal)
			slog.ErrorContext(ctx, "catalog embedding: provider failed (final)",
				"item_id", args.ItemID,
				"provider", args.Provider,
				"error", err,
			)

			return nil
		}

		w.record(ctx, args.Provider, outcomeRetry)

		return fmt.Errorf("%s embedding: %w", args.Provider, err)
	}

	if err := w.items.SetItemEmbedding(ctx, args.ItemID, args.Provider, embedding); err != nil {
		w.record(ctx, args.Provider, outcomeRetry)

		return fmt.Errorf("set item embedding: %w", err)
	}

	w.record(ctx, args.Provider, outcomeSuccess)
	slog.DebugContext(ctx, "catalog embedding: stored", "item_id", args.ItemID, "provider", args.Provider)

	return nil
}

func (w *CatalogEmbeddingWorker) record(ctx context.Context, provider, outcome string) {
	if w.metrics != nil {
		w.metrics.RecordCatalogEmbedding(ctx, provider, outcome)
	}
}
