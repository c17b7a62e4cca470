package workers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/boqpro/pricematch/internal/observability"
)

// ErrorHandler logs River job errors and panics with the matching job or catalog item they
// belong to. River's retry policy applies, except that a panicking catalog embedding is
// cancelled: the same item would panic again on every attempt.
//
// A panicking matching job is left to retry; the next attempt finds the job mid-flight and
// marks it failed.
type ErrorHandler struct{}

// HandleError is called when a job returns an error.
func (h *ErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	ctx, attrs := jobAttrs(ctx, job)

	slog.ErrorContext(ctx, "workers: job failed", append(attrs,
		"final", job.Attempt >= job.MaxAttempts,
		"error", err,
	)...)

	return nil
}

// HandlePanic is called when a job panics.
func (h *ErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	ctx, attrs := jobAttrs(ctx, job)

	slog.ErrorContext(ctx, "workers: job panicked", append(attrs,
		"panic_value", panicVal,
		"stack_trace", trace,
	)...)

	if job.Kind == (CatalogEmbeddingArgs{}).Kind() {
		return &river.ErrorHandlerResult{SetCancelled: true}
	}

	return nil
}

// jobAttrs returns log attributes for job and, for matching jobs, a context carrying the
// matching job ID so the log handler tags the record.
func jobAttrs(ctx context.Context, job *rivertype.JobRow) (context.Context, []any) {
	attrs := []any{
		"river_job_id", job.ID,
		"job_kind", job.Kind,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
	}

	switch job.Kind {
	case (MatchingJobArgs{}).Kind():
		var args MatchingJobArgs
		if json.Unmarshal(job.EncodedArgs, &args) == nil {
			ctx = observability.WithJobID(ctx, args.JobID.String())
		}
	case (CatalogEmbeddingArgs{}).Kind():
		var args CatalogEmbeddingArgs
		if json.Unmarshal(job.EncodedArgs, &args) == nil {
			attrs = append(attrs, "item_id", args.ItemID, "provider", args.Provider)
		}
	}

	return ctx, attrs
}
