package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/observability"
	"github.com/boqpro/pricematch/internal/strategy"
)

// Orchestrator defaults.
const (
	DefaultRowMaxRetries          = 2
	DefaultRetryInitialInterval   = 500 * time.Millisecond
	DefaultLowConfidenceThreshold = 0.2
)

// Row outcomes, also used as metric attributes.
const (
	OutcomeMatched  = "matched"
	OutcomeNoMatch  = "no_match"
	OutcomeContext  = "context"
	OutcomeFallback = "fallback"
	OutcomeDegraded = "degraded"
)

const lowConfidenceNote = "low confidence, review"

// StrategySource resolves a matching method to its strategy.
type StrategySource interface {
	Get(method models.MatchingMethod) (strategy.Strategy, error)
}

// OrchestratorOptions tunes retries, fallback and flagging.
type OrchestratorOptions struct {
	MaxRetries             int
	InitialInterval        time.Duration
	LowConfidenceThreshold float64
	// FallbackMethod resolves rows whose provider failed; empty disables fallback.
	FallbackMethod models.MatchingMethod
	Metrics        observability.EngineMetrics
	Logger         *slog.Logger
}

// Resolution is the draft result for one row plus what happened while producing it.
type Resolution struct {
	Result  models.MatchResult
	Outcome string
	// Degraded is set when the requested strategy failed and the row was resolved otherwise.
	Degraded bool
	// PermanentFailure is set when that failure was a permanent provider error.
	PermanentFailure bool
	// Warning is a human-readable description of the degradation, empty otherwise.
	Warning string
}

// Orchestrator resolves single rows: header detection, retries, fallback and confidence handling.
type Orchestrator struct {
	strategies StrategySource
	opts       OrchestratorOptions
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Negative MaxRetries disables retries.
func NewOrchestrator(strategies StrategySource, opts OrchestratorOptions) *Orchestrator {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultRetryInitialInterval
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{strategies: strategies, opts: opts, logger: logger}
}

// Resolve produces the draft result for row using method against idx. Strategy failures
// never fail the row; the only errors are an unusable method and context cancellation.
func (o *Orchestrator) Resolve(ctx context.Context, row *models.BOQRow, idx *catalog.Index, method models.MatchingMethod) (Resolution, error) {
	start := time.Now()

	res, err := o.resolve(ctx, row, idx, method)
	if err != nil {
		return res, err
	}

	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordRowResolved(ctx, string(method), res.Outcome, time.Since(start))
	}

	return res, nil
}

func (o *Orchestrator) resolve(ctx context.Context, row *models.BOQRow, idx *catalog.Index, method models.MatchingMethod) (Resolution, error) {
	draft := draftFor(row)

	if row.IsHeader() {
		draft.MatchMethod = models.MethodContext

		return Resolution{Result: draft, Outcome: OutcomeContext}, nil
	}

	draft.MatchMethod = method

	if !row.HasDescription() {
		return Resolution{Result: draft, Outcome: OutcomeNoMatch}, nil
	}

	s, err := o.strategies.Get(method)
	if err != nil {
		return Resolution{}, err
	}

	candidate, err := o.matchWithRetry(ctx, s, row, idx)
	if err == nil {
		return o.finish(draft, candidate, method), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Resolution{}, ctxErr
	}

	if errors.Is(err, catalog.ErrNoEmbeddingsAvailable) {
		candidate, _ = strategy.Lexical{}.Match(ctx, row, idx)

		res := o.finish(draft, candidate, models.MethodLocal)
		res.Outcome = OutcomeFallback
		res.Warning = fmt.Sprintf("%s: %v, used lexical match", method, err)
		addNote(&res.Result, res.Warning)

		return res, nil
	}

	return o.degrade(ctx, draft, row, idx, method, err), nil
}

func (o *Orchestrator) matchWithRetry(ctx context.Context, s strategy.Strategy, row *models.BOQRow, idx *catalog.Index) (*strategy.Candidate, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.InitialInterval
	b.MaxElapsedTime = 0

	attempt := 0

	return backoff.RetryWithData(func() (*strategy.Candidate, error) {
		attempt++

		c, err := s.Match(ctx, row, idx)
		if err == nil {
			return c, nil
		}

		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}

		o.logger.DebugContext(ctx, "orchestrator: retrying row",
			"row_number", row.RowNumber, "method", s.Method(), "attempt", attempt, "error", err)

		return nil, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.MaxRetries)), ctx))
}

// retryable reports whether err is a transient provider failure.
func retryable(err error) bool {
	return errors.Is(err, apperrors.ErrProvider) && !apperrors.IsPermanentProviderError(err)
}

func (o *Orchestrator) degrade(ctx context.Context, draft models.MatchResult, row *models.BOQRow, idx *catalog.Index, method models.MatchingMethod, cause error) Resolution {
	permanent := apperrors.IsPermanentProviderError(cause)

	res := Resolution{Result: draft, Outcome: OutcomeDegraded, Degraded: true, PermanentFailure: permanent}

	fallback := o.opts.FallbackMethod
	if fallback != "" && fallback != method {
		if s, err := o.strategies.Get(fallback); err == nil {
			if c, err := s.Match(ctx, row, idx); err == nil {
				res = o.finish(draft, c, fallback)
				res.Outcome = OutcomeFallback
				res.Degraded = true
				res.PermanentFailure = permanent
				res.Warning = fmt.Sprintf("%s failed (%v), fell back to %s", method, cause, fallback)
				addNote(&res.Result, res.Warning)

				o.logger.WarnContext(ctx, "orchestrator: row fell back",
					"row_number", row.RowNumber, "method", method, "fallback", fallback, "error", cause)

				return res
			}
		}
	}

	res.Warning = fmt.Sprintf("%s failed (%v), no match", method, cause)
	addNote(&res.Result, res.Warning)

	o.logger.WarnContext(ctx, "orchestrator: row degraded to no match",
		"row_number", row.RowNumber, "method", method, "permanent", permanent, "error", cause)

	return res
}

// finish fills the draft from candidate; nil candidate yields a no-match draft.
func (o *Orchestrator) finish(draft models.MatchResult, c *strategy.Candidate, method models.MatchingMethod) Resolution {
	draft.MatchMethod = method

	if c == nil {
		return Resolution{Result: draft, Outcome: OutcomeNoMatch}
	}

	item := c.Item
	id := item.ID
	desc := item.Description
	unit := item.Unit
	rate := item.Rate

	draft.MatchedItemID = &id
	draft.MatchedDescription = &desc
	draft.MatchedCode = item.Code
	draft.MatchedUnit = &unit
	draft.MatchedRate = &rate
	draft.Confidence = strategy.Clip01(c.Confidence)

	if c.Method != "" && c.Method != method {
		addNote(&draft, "selected by "+string(c.Method))
	}

	if draft.Confidence < o.opts.LowConfidenceThreshold {
		addNote(&draft, lowConfidenceNote)
	}

	draft.RecomputeTotal()

	return Resolution{Result: draft, Outcome: OutcomeMatched}
}

func draftFor(row *models.BOQRow) models.MatchResult {
	return models.MatchResult{
		JobID:               row.JobID,
		RowNumber:           row.RowNumber,
		OriginalDescription: row.OriginalDescription,
		OriginalQuantity:    row.OriginalQuantity,
		OriginalUnit:        row.OriginalUnit,
		OriginalRowData:     row.OriginalRowData,
		ContextHeaders:      row.ContextHeaders,
	}
}

func addNote(r *models.MatchResult, note string) {
	if r.Notes == nil || *r.Notes == "" {
		r.Notes = &note

		return
	}

	joined := strings.Join([]string{*r.Notes, note}, "; ")
	r.Notes = &joined
}
