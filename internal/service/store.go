package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/models"
)

// Job parsing errors.
var (
	ErrEmptyRowSet   = errors.New("job has no rows")
	ErrMalformedRows = errors.New("job rows are malformed")
)

// Store is the persistence the engine depends on. Only the job runner writes jobs;
// results are written by the runner and by manual edits.
type Store interface {
	ListActiveCatalogItems(ctx context.Context) ([]models.PriceItem, error)
	LoadJobRows(ctx context.Context, jobID uuid.UUID) ([]models.BOQRow, error)
	// CreateJob stores a pending job together with its rows.
	CreateJob(ctx context.Context, job models.MatchingJob, rows []models.BOQRow) (*models.MatchingJob, error)

	GetJob(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error)
	// SaveJob writes the snapshot and returns the stored row. StopRequested is sticky:
	// once set in the store it is never cleared by a save.
	SaveJob(ctx context.Context, job models.MatchingJob) (*models.MatchingJob, error)
	ListNonTerminalJobs(ctx context.Context) ([]models.MatchingJob, error)
	// RequestStop sets the stop flag of a non-terminal job and returns the updated job.
	RequestStop(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error)

	SaveResult(ctx context.Context, result *models.MatchResult) error
	ListResults(ctx context.Context, jobID uuid.UUID) ([]models.MatchResult, error)
	GetResult(ctx context.Context, resultID uuid.UUID) (*models.MatchResult, error)
	UpdateResult(ctx context.Context, result *models.MatchResult) error
}
