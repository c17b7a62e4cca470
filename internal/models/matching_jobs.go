package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/apperrors"
)

// JobStatus is the lifecycle state of a matching job.
type JobStatus string

// Job statuses. completed, failed and cancelled are terminal.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusParsing   JobStatus = "parsing"
	JobStatusMatching  JobStatus = "matching"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// legacyStatuses maps historical status strings to canonical ones (mapping v1).
var legacyStatuses = map[string]JobStatus{
	"processing": JobStatusMatching,
	"running":    JobStatusMatching,
	"queued":     JobStatusPending,
	"canceled":   JobStatusCancelled,
	"stopped":    JobStatusCancelled,
	"error":      JobStatusFailed,
	"done":       JobStatusCompleted,
}

// NormalizeStatus maps a stored or external status string onto the canonical set.
func NormalizeStatus(raw string) (JobStatus, error) {
	s := strings.ToLower(strings.TrimSpace(raw))

	switch JobStatus(s) {
	case JobStatusPending, JobStatusParsing, JobStatusMatching,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return JobStatus(s), nil
	}

	if st, ok := legacyStatuses[s]; ok {
		return st, nil
	}

	return "", apperrors.NewValidationError("status", fmt.Sprintf("unknown job status %q", raw))
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// MatchingJob is a value snapshot of a job's progress. Transition methods return a new
// snapshot and never mutate the receiver.
type MatchingJob struct {
	ID              uuid.UUID      `json:"id"`
	Status          JobStatus      `json:"status"`
	Progress        int            `json:"progress"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ItemCount       int            `json:"item_count"`
	MatchedCount    int            `json:"matched_count"`
	MatchingMethod  MatchingMethod `json:"matching_method"`
	StopRequested   bool           `json:"stop_requested"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Error           *string        `json:"error,omitempty"`
	TotalValue      *float64       `json:"total_value,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewMatchingJob returns a pending job.
func NewMatchingJob(id uuid.UUID, method MatchingMethod, now time.Time) MatchingJob {
	return MatchingJob{
		ID:             id,
		Status:         JobStatusPending,
		MatchingMethod: method,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// WithMethod records the nominal method on a pending job.
func (j MatchingJob) WithMethod(method MatchingMethod, now time.Time) (MatchingJob, error) {
	if j.Status != JobStatusPending {
		return j, apperrors.NewConflictError(fmt.Sprintf("job %s is %s, only pending jobs can be started", j.ID, j.Status))
	}

	j.MatchingMethod = method
	j.UpdatedAt = now

	return j, nil
}

// BeginParsing moves a pending job into parsing.
func (j MatchingJob) BeginParsing(now time.Time) (MatchingJob, error) {
	if j.Status != JobStatusPending {
		return j, apperrors.NewInvalidTransitionError(string(j.Status), string(JobStatusParsing))
	}

	j.Status = JobStatusParsing
	j.StartedAt = &now
	j.ProgressMessage = "Parsing rows"
	j.UpdatedAt = now

	return j, nil
}

// BeginMatching moves a parsing job into matching and fixes its item count.
func (j MatchingJob) BeginMatching(itemCount int, now time.Time) (MatchingJob, error) {
	if j.Status != JobStatusParsing {
		return j, apperrors.NewInvalidTransitionError(string(j.Status), string(JobStatusMatching))
	}

	if itemCount <= 0 {
		return j, apperrors.NewValidationError("item_count", "item count must be positive")
	}

	j.Status = JobStatusMatching
	j.ItemCount = itemCount
	j.MatchedCount = 0
	j.Progress = 0
	j.ProgressMessage = fmt.Sprintf("Matching %d rows", itemCount)
	j.UpdatedAt = now

	return j, nil
}

// AdvanceProgress records matchedCount processed rows. The count never decreases.
func (j MatchingJob) AdvanceProgress(matchedCount int, message string, now time.Time) (MatchingJob, error) {
	if j.Status != JobStatusMatching {
		return j, apperrors.NewInvalidTransitionError(string(j.Status), string(JobStatusMatching))
	}

	if matchedCount < j.MatchedCount || matchedCount > j.ItemCount {
		return j, apperrors.NewValidationError("matched_count",
			fmt.Sprintf("matched count %d outside [%d, %d]", matchedCount, j.MatchedCount, j.ItemCount))
	}

	j.MatchedCount = matchedCount
	j.Progress = ProgressPercent(matchedCount, j.ItemCount)
	j.ProgressMessage = message
	j.UpdatedAt = now

	return j, nil
}

// Complete marks a matching job completed.
func (j MatchingJob) Complete(totalValue float64, now time.Time) (MatchingJob, error) {
	if j.Status != JobStatusMatching {
		return j, apperrors.NewInvalidTransitionError(string(j.Status), string(JobStatusCompleted))
	}

	j = j.terminal(JobStatusCompleted, now)
	j.TotalValue = &totalValue
	j.Progress = ProgressPercent(j.MatchedCount, j.ItemCount)
	j.ProgressMessage = "Matching completed"

	return j, nil
}

// Fail marks a parsing or matching job failed with reason.
func (j MatchingJob) Fail(reason string, now time.Time) (MatchingJob, error) {
	if j.Status != JobStatusParsing && j.Status != JobStatusMatching {
		return j, apperrors.NewInvalidTransitionError(string(j.Status), string(JobStatusFailed))
	}

	j = j.terminal(JobStatusFailed, now)
	j.Error = &reason
	j.ProgressMessage = "Matching failed"

	return j, nil
}

// Cancel marks a parsing or matching job cancelled.
func (j MatchingJob) Cancel(now time.Time) (MatchingJob, error) {
	if j.Status != JobStatusParsing && j.Status != JobStatusMatching {
		return j, apperrors.NewInvalidTransitionError(string(j.Status), string(JobStatusCancelled))
	}

	j = j.terminal(JobStatusCancelled, now)
	j.ProgressMessage = "Matching cancelled"

	return j, nil
}

// RequestStop flags a non-terminal job for cancellation.
func (j MatchingJob) RequestStop(now time.Time) (MatchingJob, error) {
	if j.Status.IsTerminal() {
		return j, apperrors.NewConflictError(fmt.Sprintf("job %s is already %s", j.ID, j.Status))
	}

	j.StopRequested = true
	j.UpdatedAt = now

	return j, nil
}

func (j MatchingJob) terminal(status JobStatus, now time.Time) MatchingJob {
	j.Status = status
	j.UpdatedAt = now

	if j.CompletedAt == nil {
		j.CompletedAt = &now
	}

	return j
}

// ProgressPercent returns floor(matched*100/total), 0 when total is 0.
func ProgressPercent(matched, total int) int {
	if total <= 0 {
		return 0
	}

	return matched * 100 / total
}
