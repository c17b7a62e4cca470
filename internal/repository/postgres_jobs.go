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

const jobColumns = `id, status, progress, progress_message, item_count, matched_count,
	matching_method, stop_requested, started_at, completed_at, error, total_value,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.MatchingJob, error) {
	var (
		job            models.MatchingJob
		status, method string
	)

	err := row.Scan(
		&job.ID, &status, &job.Progress, &job.ProgressMessage, &job.ItemCount, &job.MatchedCount,
		&method, &job.StopRequested, &job.StartedAt, &job.CompletedAt, &job.Error, &job.TotalValue,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status, err = models.NormalizeStatus(status)
	if err != nil {
		return nil, err
	}

	job.MatchingMethod = models.MatchingMethod(method)

	return &job, nil
}

// CreateJob stores a pending job and its rows in one transaction.
func (s *PostgresStore) CreateJob(ctx context.Context, job models.MatchingJob, rows []models.BOQRow) (*models.MatchingJob, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO matching_jobs (id, status, progress, progress_message, item_count, matched_count,
			matching_method, stop_requested, created_at, updated_at)
		VALUES ($1, $2, 0, $3, 0, 0, $4, FALSE, $5, $6)
		RETURNING `+jobColumns,
		job.ID, job.Status, job.ProgressMessage, job.MatchingMethod, job.CreatedAt, job.UpdatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.NewConflictError(fmt.Sprintf("job %s already exists", job.ID))
		}

		return nil, fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"boq_rows"},
		[]string{"job_id", "row_number", "original_description", "original_quantity", "original_unit", "original_row_data"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]

			var data []byte
			if len(r.OriginalRowData) > 0 {
				data = r.OriginalRowData
			}

			return []any{job.ID, r.RowNumber, r.OriginalDescription, r.OriginalQuantity, r.OriginalUnit, data}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("copy job rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create job: %w", err)
	}

	return created, nil
}

// LoadJobRows returns the job's rows in upload order.
func (s *PostgresStore) LoadJobRows(ctx context.Context, jobID uuid.UUID) ([]models.BOQRow, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT job_id, row_number, original_description, original_quantity, original_unit, original_row_data
		FROM boq_rows
		WHERE job_id = $1
		ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job rows: %w", err)
	}
	defer rows.Close()

	var out []models.BOQRow

	for rows.Next() {
		var r models.BOQRow
		if err := rows.Scan(&r.JobID, &r.RowNumber, &r.OriginalDescription,
			&r.OriginalQuantity, &r.OriginalUnit, &r.OriginalRowData); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}

	return out, nil
}

// GetJob returns the stored job snapshot.
func (s *PostgresStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM matching_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job", "job not found")
		}

		return nil, fmt.Errorf("get job: %w", err)
	}

	return job, nil
}

// SaveJob writes the snapshot. A stop flag already stored is kept.
func (s *PostgresStore) SaveJob(ctx context.Context, job models.MatchingJob) (*models.MatchingJob, error) {
	stored, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE matching_jobs SET
			status = $2,
			progress = $3,
			progress_message = $4,
			item_count = $5,
			matched_count = $6,
			matching_method = $7,
			stop_requested = matching_jobs.stop_requested OR $8,
			started_at = $9,
			completed_at = $10,
			error = $11,
			total_value = $12,
			updated_at = $13
		WHERE id = $1
		RETURNING `+jobColumns,
		job.ID, job.Status, job.Progress, job.ProgressMessage, job.ItemCount, job.MatchedCount,
		job.MatchingMethod, job.StopRequested, job.StartedAt, job.CompletedAt, job.Error, job.TotalValue,
		job.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job", "job not found")
		}

		return nil, fmt.Errorf("save job: %w", err)
	}

	return stored, nil
}

// ListNonTerminalJobs returns pending, parsing and matching jobs ordered by creation.
func (s *PostgresStore) ListNonTerminalJobs(ctx context.Context) ([]models.MatchingJob, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM matching_jobs
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at`,
		models.JobStatusPending, models.JobStatusParsing, models.JobStatusMatching)
	if err != nil {
		return nil, fmt.Errorf("list open jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.MatchingJob

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}

	return jobs, nil
}

// RequestStop flags a non-terminal job.
func (s *PostgresStore) RequestStop(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE matching_jobs SET stop_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status IN ($2, $3, $4)
		RETURNING `+jobColumns,
		jobID, models.JobStatusPending, models.JobStatusParsing, models.JobStatusMatching,
	))
	if err == nil {
		return job, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request stop: %w", err)
	}

	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return nil, apperrors.NewConflictError(fmt.Sprintf("job %s is already %s", jobID, current.Status))
}
