package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/models"
)

const resultColumns = `id, job_id, row_number, original_description, original_quantity, original_unit,
	original_row_data, context_headers, matched_item_id, matched_description, matched_code,
	matched_unit, matched_rate, confidence, match_method, is_manually_edited, total_price, notes,
	created_at, updated_at`

func scanResult(row pgx.Row) (*models.MatchResult, error) {
	var (
		r      models.MatchResult
		method string
	)

	err := row.Scan(
		&r.ID, &r.JobID, &r.RowNumber, &r.OriginalDescription, &r.OriginalQuantity, &r.OriginalUnit,
		&r.OriginalRowData, &r.ContextHeaders, &r.MatchedItemID, &r.MatchedDescription, &r.MatchedCode,
		&r.MatchedUnit, &r.MatchedRate, &r.Confidence, &method, &r.IsManuallyEdited, &r.TotalPrice, &r.Notes,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.MatchMethod = models.MatchingMethod(method)
	r.ContextHeaders = nilIfEmpty(r.ContextHeaders)

	return &r, nil
}

func rowData(r *models.MatchResult) []byte {
	if len(r.OriginalRowData) == 0 {
		return nil
	}

	return r.OriginalRowData
}

// SaveResult inserts a result. A second result for the same row is a conflict.
func (s *PostgresStore) SaveResult(ctx context.Context, r *models.MatchResult) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO match_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		r.ID, r.JobID, r.RowNumber, r.OriginalDescription, r.OriginalQuantity, r.OriginalUnit,
		rowData(r), nonNil(r.ContextHeaders), r.MatchedItemID, r.MatchedDescription, r.MatchedCode,
		r.MatchedUnit, r.MatchedRate, r.Confidence, r.MatchMethod, r.IsManuallyEdited, r.TotalPrice, r.Notes,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError(fmt.Sprintf("row %d of job %s already has a result", r.RowNumber, r.JobID))
		}

		return fmt.Errorf("save result: %w", err)
	}

	return nil
}

// ListResults returns the job's results ordered by row number.
func (s *PostgresStore) ListResults(ctx context.Context, jobID uuid.UUID) ([]models.MatchResult, error) {
	rows, err := s.db.Query(ctx, `SELECT `+resultColumns+` FROM match_results
		WHERE job_id = $1 ORDER BY row_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	results := []models.MatchResult{}

	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}

		results = append(results, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}

	return results, nil
}

// GetResult returns one result.
func (s *PostgresStore) GetResult(ctx context.Context, resultID uuid.UUID) (*models.MatchResult, error) {
	r, err := scanResult(s.db.QueryRow(ctx, `SELECT `+resultColumns+` FROM match_results WHERE id = $1`, resultID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("match result", "match result not found")
		}

		return nil, fmt.Errorf("get result: %w", err)
	}

	return r, nil
}

// UpdateResult replaces the match fields of an existing result.
func (s *PostgresStore) UpdateResult(ctx context.Context, r *models.MatchResult) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE match_results SET
			matched_item_id = $2,
			matched_description = $3,
			matched_code = $4,
			matched_unit = $5,
			matched_rate = $6,
			confidence = $7,
			match_method = $8,
			is_manually_edited = $9,
			total_price = $10,
			notes = $11,
			updated_at = $12
		WHERE id = $1`,
		r.ID, r.MatchedItemID, r.MatchedDescription, r.MatchedCode, r.MatchedUnit, r.MatchedRate,
		r.Confidence, r.MatchMethod, r.IsManuallyEdited, r.TotalPrice, r.Notes, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("match result", "match result not found")
	}

	return nil
}
