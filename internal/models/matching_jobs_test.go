package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    JobStatus
		wantErr bool
	}{
		{raw: "pending", want: JobStatusPending},
		{raw: "MATCHING", want: JobStatusMatching},
		{raw: "processing", want: JobStatusMatching},
		{raw: "running", want: JobStatusMatching},
		{raw: "queued", want: JobStatusPending},
		{raw: "canceled", want: JobStatusCancelled},
		{raw: "stopped", want: JobStatusCancelled},
		{raw: "error", want: JobStatusFailed},
		{raw: " done ", want: JobStatusCompleted},
		{raw: "exploded", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeStatus(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrValidation)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchingJob_Lifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job := NewMatchingJob(uuid.New(), MethodLocal, now)

	parsing, err := job.BeginParsing(now)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status, "receiver must not change")
	assert.Equal(t, JobStatusParsing, parsing.Status)
	require.NotNil(t, parsing.StartedAt)

	matching, err := parsing.BeginMatching(3, now)
	require.NoError(t, err)
	assert.Equal(t, 3, matching.ItemCount)

	step, err := matching.AdvanceProgress(1, "row 1", now)
	require.NoError(t, err)
	assert.Equal(t, 33, step.Progress)

	step, err = step.AdvanceProgress(2, "row 2", now)
	require.NoError(t, err)
	assert.Equal(t, 66, step.Progress)

	_, err = step.AdvanceProgress(1, "backwards", now)
	require.Error(t, err, "matched count must not decrease")

	_, err = step.AdvanceProgress(4, "too many", now)
	require.Error(t, err)

	step, err = step.AdvanceProgress(3, "row 3", now)
	require.NoError(t, err)

	later := now.Add(time.Minute)
	done, err := step.Complete(125, later)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, later, *done.CompletedAt)
	require.NotNil(t, done.TotalValue)
	assert.InDelta(t, 125.0, *done.TotalValue, 1e-9)
}

func TestMatchingJob_TerminalStatesHaveNoExits(t *testing.T) {
	now := time.Now()
	job := NewMatchingJob(uuid.New(), MethodLocal, now)
	job, err := job.BeginParsing(now)
	require.NoError(t, err)
	cancelled, err := job.Cancel(now)
	require.NoError(t, err)

	_, err = cancelled.Fail("late", now)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	_, err = cancelled.Cancel(now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = cancelled.BeginParsing(now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = cancelled.RequestStop(now)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestMatchingJob_CompleteRequiresMatching(t *testing.T) {
	now := time.Now()
	job := NewMatchingJob(uuid.New(), MethodLocal, now)

	_, err := job.Complete(0, now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = job.Cancel(now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "pending jobs are cancelled via RequestStop")
}

func TestMatchingJob_WithMethodOnlyWhenPending(t *testing.T) {
	now := time.Now()
	job := NewMatchingJob(uuid.New(), MethodLocal, now)

	updated, err := job.WithMethod(MethodCohere, now)
	require.NoError(t, err)
	assert.Equal(t, MethodCohere, updated.MatchingMethod)

	parsing, err := updated.BeginParsing(now)
	require.NoError(t, err)

	_, err = parsing.WithMethod(MethodLocal, now)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, ProgressPercent(0, 0))
	assert.Equal(t, 0, ProgressPercent(0, 7))
	assert.Equal(t, 14, ProgressPercent(1, 7))
	assert.Equal(t, 99, ProgressPercent(999, 1000))
	assert.Equal(t, 100, ProgressPercent(7, 7))
}

func TestParseMatchingMethod(t *testing.T) {
	m, err := ParseMatchingMethod("hybrid_rerank")
	require.NoError(t, err)
	assert.Equal(t, MethodHybridRerank, m)

	_, err = ParseMatchingMethod("MANUAL")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Equal(t, "cohere", MethodCohere.Provider())
	assert.Empty(t, MethodLocal.Provider())
}
