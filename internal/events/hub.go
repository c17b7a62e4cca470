// Package events fans out job progress and log lines to in-process subscribers and
// optional external sinks, retaining the most recent log lines per job.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/observability"
)

// Defaults.
const (
	DefaultLogRetention     = 100
	DefaultSubscriberBuffer = 64
	DefaultFinishedTTL      = time.Hour
	DefaultMaxFinishedJobs  = 1000
	sinkChanBufferSize      = 1024
)

// Sink receives every event published by this process, off the publishing goroutine.
type Sink interface {
	Publish(ctx context.Context, event models.JobEvent) error
}

// Options configures a Hub.
type Options struct {
	LogRetention     int
	SubscriberBuffer int
	// FinishedTTL and MaxFinishedJobs bound how long and how many finished jobs keep
	// their logs and last snapshot once nobody is subscribed.
	FinishedTTL     time.Duration
	MaxFinishedJobs int
	Metrics          observability.EngineMetrics
	Logger           *slog.Logger
	Now              func() time.Time
}

type jobChannel struct {
	logs   []models.JobLog
	subs   map[uint64]chan models.JobEvent
	latest *models.MatchingJob
}

func (c *jobChannel) finished() bool {
	return c.latest != nil && c.latest.Status.IsTerminal()
}

// Hub is the per-job event fan-out. Publishing never blocks: a subscriber whose buffer is
// full misses the event.
//
// Channels of live or subscribed jobs sit in jobs. A channel whose job reached a terminal
// status and has no subscribers moves to finished, which expires it after FinishedTTL.
type Hub struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*jobChannel
	finished *expirable.LRU[uuid.UUID, *jobChannel]
	nextID   uint64

	retention int
	buffer    int
	metrics   observability.EngineMetrics
	logger    *slog.Logger
	now       func() time.Time

	sinks    []Sink
	sinkChan chan models.JobEvent
	wg       sync.WaitGroup
	closed   bool
}

// NewHub creates a Hub and starts its sink worker.
func NewHub(opts Options) *Hub {
	h := &Hub{
		jobs:      make(map[uuid.UUID]*jobChannel),
		retention: opts.LogRetention,
		buffer:    opts.SubscriberBuffer,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		sinkChan:  make(chan models.JobEvent, sinkChanBufferSize),
	}

	if h.retention <= 0 {
		h.retention = DefaultLogRetention
	}

	if h.buffer <= 0 {
		h.buffer = DefaultSubscriberBuffer
	}

	if h.logger == nil {
		h.logger = slog.Default()
	}

	if h.now == nil {
		h.now = time.Now
	}

	ttl := opts.FinishedTTL
	if ttl <= 0 {
		ttl = DefaultFinishedTTL
	}

	size := opts.MaxFinishedJobs
	if size <= 0 {
		size = DefaultMaxFinishedJobs
	}

	h.finished = expirable.NewLRU[uuid.UUID, *jobChannel](size, nil, ttl)

	h.wg.Add(1)

	go h.startWorker()

	return h
}

// RegisterSink adds an external sink. Must only be called during startup.
func (h *Hub) RegisterSink(sink Sink) {
	h.sinks = append(h.sinks, sink)
}

// PublishProgress sends a job snapshot to subscribers.
func (h *Hub) PublishProgress(ctx context.Context, job models.MatchingJob) {
	h.publish(ctx, models.JobEvent{Type: models.JobEventProgress, JobID: job.ID, Job: &job}, true)
}

// Log records a log line for the job and sends it to subscribers.
func (h *Hub) Log(ctx context.Context, jobID uuid.UUID, level models.LogLevel, message string) {
	entry := models.JobLog{Level: level, Message: message, Timestamp: h.now().UTC()}
	h.publish(ctx, models.JobEvent{Type: models.JobEventLog, JobID: jobID, Log: &entry}, true)
}

// Deliver hands an event received from another process to local subscribers only.
func (h *Hub) Deliver(ctx context.Context, event models.JobEvent) {
	h.publish(ctx, event, false)
}

func (h *Hub) publish(ctx context.Context, event models.JobEvent, toSinks bool) {
	h.mu.Lock()

	ch := h.channel(event.JobID)

	switch event.Type {
	case models.JobEventLog:
		if event.Log != nil {
			ch.logs = append(ch.logs, *event.Log)
			if over := len(ch.logs) - h.retention; over > 0 {
				ch.logs = append(ch.logs[:0:0], ch.logs[over:]...)
			}
		}
	case models.JobEventProgress:
		ch.latest = event.Job
	}

	dropped := 0

	for _, sub := range ch.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}

	h.settle(event.JobID, ch)

	// sinkChan is only closed under mu
	sinkFull := false

	if toSinks && !h.closed && len(h.sinks) > 0 {
		select {
		case h.sinkChan <- event:
		default:
			sinkFull = true
		}
	}

	h.mu.Unlock()

	if sinkFull {
		h.logger.WarnContext(ctx, "events: sink channel full, event dropped",
			"job_id", event.JobID, "event_type", event.Type)

		dropped++
	}

	for range dropped {
		h.recordDrop(ctx, event.Type)
	}
}

func (h *Hub) recordDrop(ctx context.Context, t models.JobEventType) {
	if h.metrics != nil {
		h.metrics.RecordEventDropped(ctx, string(t))
	}
}

// channel returns the job's channel, creating it when the job is unknown. Caller holds mu.
func (h *Hub) channel(jobID uuid.UUID) *jobChannel {
	if ch, ok := h.jobs[jobID]; ok {
		return ch
	}

	if ch, ok := h.finished.Peek(jobID); ok {
		return ch
	}

	ch := &jobChannel{subs: make(map[uint64]chan models.JobEvent)}
	h.jobs[jobID] = ch

	return ch
}

// lookup is channel without creation. Caller holds mu.
func (h *Hub) lookup(jobID uuid.UUID) (*jobChannel, bool) {
	if ch, ok := h.jobs[jobID]; ok {
		return ch, true
	}

	return h.finished.Peek(jobID)
}

// settle files ch under jobs or finished. Subscribed channels are never left in finished,
// where they could expire under a live stream. Caller holds mu.
func (h *Hub) settle(jobID uuid.UUID, ch *jobChannel) {
	switch {
	case len(ch.subs) > 0 || (!ch.finished() && (ch.latest != nil || len(ch.logs) > 0)):
		h.finished.Remove(jobID)
		h.jobs[jobID] = ch
	case ch.finished():
		delete(h.jobs, jobID)
		h.finished.Add(jobID, ch)
	default:
		// nothing retained and nobody listening
		delete(h.jobs, jobID)
		h.finished.Remove(jobID)
	}
}

// Subscribe returns a channel of the job's events, primed with the latest progress
// snapshot when one is known, and a function that ends the subscription.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan models.JobEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channel(jobID)
	sub := make(chan models.JobEvent, h.buffer)

	if ch.latest != nil {
		sub <- models.JobEvent{Type: models.JobEventProgress, JobID: jobID, Job: ch.latest}
	}

	h.nextID++
	id := h.nextID
	ch.subs[id] = sub
	h.settle(jobID, ch)

	var once sync.Once

	return sub, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(ch.subs, id)
			close(sub)
			h.settle(jobID, ch)
		})
	}
}

// Logs returns the retained log lines of a job, oldest first.
func (h *Hub) Logs(jobID uuid.UUID) []models.JobLog {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.lookup(jobID)
	if !ok {
		return []models.JobLog{}
	}

	out := make([]models.JobLog, len(ch.logs))
	copy(out, ch.logs)

	return out
}

// startWorker forwards events to the sinks until Shutdown closes the channel.
func (h *Hub) startWorker() {
	defer h.wg.Done()

	bgCtx := context.Background()

	for event := range h.sinkChan {
		ctx, cancel := context.WithTimeout(bgCtx, 5*time.Second)

		for _, sink := range h.sinks {
			if err := sink.Publish(ctx, event); err != nil {
				h.logger.Warn("events: sink publish failed", "job_id", event.JobID, "error", err)
			}
		}

		cancel()
	}
}

// Shutdown stops the sink worker after draining queued events.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return
	}

	h.closed = true
	close(h.sinkChan)
	h.mu.Unlock()

	h.wg.Wait()
}
