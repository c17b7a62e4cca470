// Package workers provides the River job workers of the engine: matching job execution and
// catalog embedding.
package workers

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// River queues.
const (
	QueueMatching   = "matching"
	QueueEmbeddings = "embeddings"
)

// MatchingJobArgs runs one matching job to a terminal state.
type MatchingJobArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

// Kind returns the job type identifier for River.
func (MatchingJobArgs) Kind() string { return "matching_job" }

// InsertOpts routes matching jobs to their own queue. The second attempt only exists so a job
// rescued after a crash is marked failed instead of staying in matching.
func (MatchingJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMatching, MaxAttempts: 2}
}

// CatalogEmbeddingArgs embeds one catalog item with one provider.
type CatalogEmbeddingArgs struct {
	ItemID   uuid.UUID `json:"item_id"`
	Provider string    `json:"provider"`
}

// Kind returns the job type identifier for River.
func (CatalogEmbeddingArgs) Kind() string { return "catalog_embedding" }

// InsertOpts routes embedding jobs to their own queue.
func (CatalogEmbeddingArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueEmbeddings, MaxAttempts: 5}
}
