package workers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// riverClient is the insert surface of *river.Client.
type riverClient interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
	InsertMany(ctx context.Context, params []river.InsertManyParams) ([]*rivertype.JobInsertResult, error)
}

// uniqueWhileQueued deduplicates by args across every not-yet-finished state.
// JobStatePending is required by River when using ByState.
var uniqueWhileQueued = river.UniqueOpts{
	ByArgs: true,
	ByState: []rivertype.JobState{
		rivertype.JobStatePending,
		rivertype.JobStateAvailable,
		rivertype.JobStateRunning,
		rivertype.JobStateRetryable,
		rivertype.JobStateScheduled,
	},
}

// RiverInserter enqueues matching and embedding jobs. It implements service.Dispatcher.
type RiverInserter struct {
	client riverClient
}

// NewRiverInserter creates an inserter over a River client.
func NewRiverInserter(client riverClient) *RiverInserter {
	return &RiverInserter{client: client}
}

// Dispatch enqueues a matching job; a job already queued or running is not enqueued twice.
func (r *RiverInserter) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	opts := MatchingJobArgs{}.InsertOpts()
	opts.UniqueOpts = uniqueWhileQueued

	if _, err := r.client.Insert(ctx, MatchingJobArgs{JobID: jobID}, &opts); err != nil {
		return fmt.Errorf("insert matching job: %w", err)
	}

	return nil
}

// InsertCatalogEmbeddings enqueues one embedding job per item and returns how many were inserted.
func (r *RiverInserter) InsertCatalogEmbeddings(ctx context.Context, provider string, itemIDs []uuid.UUID) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	params := make([]river.InsertManyParams, len(itemIDs))

	for i, id := range itemIDs {
		opts := CatalogEmbeddingArgs{}.InsertOpts()
		opts.UniqueOpts = uniqueWhileQueued
		params[i] = river.InsertManyParams{
			Args:       CatalogEmbeddingArgs{ItemID: id, Provider: provider},
			InsertOpts: &opts,
		}
	}

	results, err := r.client.InsertMany(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("insert catalog embedding jobs: %w", err)
	}

	inserted := 0

	for _, res := range results {
		if !res.UniqueSkippedAsDuplicate {
			inserted++
		}
	}

	return inserted, nil
}
