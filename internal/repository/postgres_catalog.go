package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/models"
)

const priceItemColumns = `id, code, description, category, subcategory, unit, rate, keywords,
	material_type, brand, supplier, is_active, embedding, embedding_provider, embedded_at,
	created_at, updated_at`

func scanPriceItem(row pgx.Row) (*models.PriceItem, error) {
	var (
		item models.PriceItem
		emb  nullableEmbedding
	)

	err := row.Scan(
		&item.ID, &item.Code, &item.Description, &item.Category, &item.Subcategory,
		&item.Unit, &item.Rate, &item.Keywords,
		&item.MaterialType, &item.Brand, &item.Supplier, &item.IsActive,
		&emb, &item.EmbeddingProvider, &item.EmbeddedAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Embedding = emb
	item.Keywords = nilIfEmpty(item.Keywords)

	return &item, nil
}

// UpsertPriceItems inserts or updates catalog items. Items without an ID get a new one.
// Updating an item's description or unit clears its embedding so it is re-embedded.
// created_at is staggered per item so the batch keeps its order.
func (s *PostgresStore) UpsertPriceItems(ctx context.Context, items ...models.PriceItem) error {
	if len(items) == 0 {
		return nil
	}

	now := time.Now()
	batch := &pgx.Batch{}

	for i := range items {
		it := items[i]
		if it.ID == uuid.Nil {
			it.ID = uuid.Must(uuid.NewV7())
		}

		batch.Queue(`
			INSERT INTO price_items (
				id, code, description, category, subcategory, unit, rate, keywords,
				material_type, brand, supplier, is_active, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (id) DO UPDATE SET
				code = EXCLUDED.code,
				description = EXCLUDED.description,
				category = EXCLUDED.category,
				subcategory = EXCLUDED.subcategory,
				unit = EXCLUDED.unit,
				rate = EXCLUDED.rate,
				keywords = EXCLUDED.keywords,
				material_type = EXCLUDED.material_type,
				brand = EXCLUDED.brand,
				supplier = EXCLUDED.supplier,
				is_active = EXCLUDED.is_active,
				embedding = CASE WHEN price_items.description = EXCLUDED.description
					AND price_items.unit = EXCLUDED.unit THEN price_items.embedding END,
				embedding_provider = CASE WHEN price_items.description = EXCLUDED.description
					AND price_items.unit = EXCLUDED.unit THEN price_items.embedding_provider END,
				updated_at = EXCLUDED.updated_at`,
			it.ID, it.Code, it.Description, it.Category, it.Subcategory, it.Unit, it.Rate, nonNil(it.Keywords),
			it.MaterialType, it.Brand, it.Supplier, it.IsActive, now.Add(time.Duration(i)*time.Microsecond),
		)
	}

	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert price items: %w", err)
	}

	return nil
}

// ListActiveCatalogItems returns active items in insertion order.
func (s *PostgresStore) ListActiveCatalogItems(ctx context.Context) ([]models.PriceItem, error) {
	return s.listItems(ctx, `SELECT `+priceItemColumns+` FROM price_items
		WHERE is_active ORDER BY created_at, id`)
}

// ItemsMissingEmbedding returns up to limit active items without an embedding from provider.
// A non-positive limit returns all of them.
func (s *PostgresStore) ItemsMissingEmbedding(ctx context.Context, provider string, limit int) ([]models.PriceItem, error) {
	var lim any // NULL is LIMIT ALL
	if limit > 0 {
		lim = limit
	}

	return s.listItems(ctx, `SELECT `+priceItemColumns+` FROM price_items
		WHERE is_active AND (embedding IS NULL OR embedding_provider IS DISTINCT FROM $1)
		ORDER BY created_at, id
		LIMIT $2`, provider, lim)
}

func (s *PostgresStore) listItems(ctx context.Context, query string, args ...any) ([]models.PriceItem, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list price items: %w", err)
	}
	defer rows.Close()

	var items []models.PriceItem

	for rows.Next() {
		item, err := scanPriceItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan price item: %w", err)
		}

		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating price items: %w", err)
	}

	return items, nil
}

// GetPriceItem returns one item, active or not.
func (s *PostgresStore) GetPriceItem(ctx context.Context, id uuid.UUID) (*models.PriceItem, error) {
	item, err := scanPriceItem(s.db.QueryRow(ctx,
		`SELECT `+priceItemColumns+` FROM price_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("price item", "price item not found")
		}

		return nil, fmt.Errorf("get price item: %w", err)
	}

	return item, nil
}

// SetItemEmbedding stores the vector produced by provider for an item.
func (s *PostgresStore) SetItemEmbedding(ctx context.Context, id uuid.UUID, provider string, embedding []float32) error {
	now := time.Now()

	tag, err := s.db.Exec(ctx, `
		UPDATE price_items
		SET embedding = $1, embedding_provider = $2, embedded_at = $3, updated_at = $3
		WHERE id = $4`,
		pgvector.NewVector(embedding), provider, now, id,
	)
	if err != nil {
		return fmt.Errorf("set item embedding: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("price item", "price item not found")
	}

	return nil
}
