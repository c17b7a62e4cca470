package models

import (
	"time"

	"github.com/google/uuid"
)

// JobEventType distinguishes progress snapshots from log lines.
type JobEventType string

// Job event types.
const (
	JobEventProgress JobEventType = "progress"
	JobEventLog      JobEventType = "log"
)

// LogLevel of a job log line.
type LogLevel string

// Job log levels.
const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// JobLog is one retained log line of a job.
type JobLog struct {
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// JobEvent is published to subscribers of a job.
type JobEvent struct {
	Type  JobEventType `json:"type"`
	JobID uuid.UUID    `json:"job_id"`
	Job   *MatchingJob `json:"job,omitempty"`
	Log   *JobLog      `json:"log,omitempty"`
}
