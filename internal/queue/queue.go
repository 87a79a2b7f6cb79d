// Package queue buffers events that could not be delivered immediately and
// retries them in priority order. Events that exhaust their retry budget are
// quarantined for operator inspection, never silently dropped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classwatch/pkg/types"
)

// Queue errors surfaced to producers.
var (
	ErrQueueFull      = errors.New("offline queue is at capacity")
	ErrSyncInProgress = errors.New("sync already in progress")
)

// DeliverFunc attempts delivery of one queued event. It is supplied by the
// caller and normally routes through the circuit-breaker-guarded publish
// path.
type DeliverFunc func(ctx context.Context, event *QueuedEvent) error

// QueuedEvent is one buffered event awaiting delivery.
type QueuedEvent struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EventType  string          `json:"eventType"`
	UserID     string          `json:"userId,omitempty"`
	Priority   types.Priority  `json:"priority"`
	RetryCount int             `json:"retryCount"`
	LastRetry  time.Time       `json:"lastRetry,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Config tunes queue capacity and retry policy.
type Config struct {
	Capacity           int
	MaxRetryAttempts   int
	RetryBaseDelay     time.Duration
	RetryBackoffFactor float64
	BatchSize          int
	BatchPause         time.Duration
	RetentionWindow    time.Duration
}

// DefaultConfig matches classroom-scale deployments.
var DefaultConfig = Config{
	Capacity:           1000,
	MaxRetryAttempts:   5,
	RetryBaseDelay:     time.Second,
	RetryBackoffFactor: 2.0,
	BatchSize:          10,
	BatchPause:         50 * time.Millisecond,
	RetentionWindow:    time.Hour,
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultConfig.Capacity
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultConfig.MaxRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultConfig.RetryBaseDelay
	}
	if c.RetryBackoffFactor < 1 {
		c.RetryBackoffFactor = DefaultConfig.RetryBackoffFactor
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.BatchPause < 0 {
		c.BatchPause = DefaultConfig.BatchPause
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultConfig.RetentionWindow
	}
	return c
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Status is the observability snapshot for the health surface.
type Status struct {
	IsOnline          bool           `json:"is_online"`
	SyncInProgress    bool           `json:"sync_in_progress"`
	QueuedCount       int            `json:"queued_count"`
	QuarantinedCount  int            `json:"quarantined_count"`
	PriorityBreakdown map[string]int `json:"priority_breakdown"`
	CapacityUsed      float64        `json:"capacity_used"`
}

// Queue is the offline queue and sync engine. Enqueue and Sync mutate the
// event list concurrently; both go through the same mutex, and delivery I/O
// always happens outside it.
type Queue struct {
	mu             sync.Mutex
	events         []*QueuedEvent
	quarantine     []*QueuedEvent
	online         bool
	syncInProgress bool

	config  Config
	deliver DeliverFunc
	logger  *slog.Logger
}

// New creates an offline queue. The system starts out believing it is
// online; sync runs adjust the belief from observed delivery outcomes.
func New(config Config, deliver DeliverFunc, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		config:  config.withDefaults(),
		deliver: deliver,
		online:  true,
		logger:  logger,
	}
}

// Enqueue attempts immediate delivery when the system believes it is online
// (unless force is set), and buffers the event otherwise. Returns the queue
// ID of the buffered event, or an empty ID when delivery succeeded without
// queuing.
func (q *Queue) Enqueue(payload json.RawMessage, eventType, userID string, priority types.Priority, force bool) (string, error) {
	if priority < types.PriorityHigh || priority > types.PriorityLow {
		priority = types.PriorityHigh
	}

	event := &QueuedEvent{
		ID:        uuid.New().String(),
		Payload:   payload,
		EventType: eventType,
		UserID:    userID,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	if !force && q.isOnline() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := q.deliver(ctx, event)
		cancel()
		if err == nil {
			return "", nil
		}
		q.setOnline(false)
		q.logger.Debug("immediate delivery failed, queuing",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.config.Capacity {
		q.evictAgedLowPriorityLocked()
	}
	if len(q.events) >= q.config.Capacity {
		return "", ErrQueueFull
	}

	q.events = append(q.events, event)
	return event.ID, nil
}

// evictAgedLowPriorityLocked drops LOW priority events older than the
// retention window to make room. Caller holds the lock.
func (q *Queue) evictAgedLowPriorityLocked() {
	cutoff := time.Now().Add(-q.config.RetentionWindow)
	kept := q.events[:0]
	evicted := 0
	for _, event := range q.events {
		if event.Priority == types.PriorityLow && event.CreatedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, event)
	}
	q.events = kept
	if evicted > 0 {
		q.logger.Info("evicted aged low-priority events", slog.Int("count", evicted))
	}
}

// Sync retries pending events in priority order, in fixed-size batches.
// Refuses to run when a sync is already in progress unless forced. The
// online/offline belief is updated from this run's delivery outcomes.
func (q *Queue) Sync(ctx context.Context, force bool) (SyncResult, error) {
	q.mu.Lock()
	if q.syncInProgress && !force {
		q.mu.Unlock()
		return SyncResult{}, ErrSyncInProgress
	}
	q.syncInProgress = true

	pending := make([]*QueuedEvent, len(q.events))
	copy(pending, q.events)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncInProgress = false
		q.mu.Unlock()
	}()

	// HIGH first; arrival order within a tier is preserved.
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority < pending[j].Priority
	})

	result := SyncResult{Total: len(pending)}
	attempted := 0

	for start := 0; start < len(pending); start += q.config.BatchSize {
		end := start + q.config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}

		for _, event := range pending[start:end] {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			if event.RetryCount >= q.config.MaxRetryAttempts {
				q.quarantineEvent(event)
				result.Skipped++
				continue
			}
			if !q.backoffElapsed(event) {
				result.Skipped++
				continue
			}

			attempted++
			if err := q.deliver(ctx, event); err != nil {
				q.recordFailure(event)
				result.Failed++
			} else {
				q.removeEvent(event.ID)
				result.Successful++
			}
		}

		// Yield between batches so fan-out and enqueues are not starved.
		if end < len(pending) && q.config.BatchPause > 0 {
			select {
			case <-time.After(q.config.BatchPause):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}

	if result.Successful > 0 {
		q.setOnline(true)
	} else if attempted > 0 {
		q.setOnline(false)
	}
	return result, nil
}

// backoffElapsed reports whether the event's backoff window has passed since
// its last retry: window = base * factor^retry_count.
func (q *Queue) backoffElapsed(event *QueuedEvent) bool {
	if event.RetryCount == 0 || event.LastRetry.IsZero() {
		return true
	}
	window := time.Duration(float64(q.config.RetryBaseDelay) *
		math.Pow(q.config.RetryBackoffFactor, float64(event.RetryCount)))
	return time.Since(event.LastRetry) >= window
}

// recordFailure bumps the retry counter and quarantines the event once the
// budget is exhausted.
func (q *Queue) recordFailure(event *QueuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	event.RetryCount++
	event.LastRetry = time.Now()
	if event.RetryCount >= q.config.MaxRetryAttempts {
		q.removeEventLocked(event.ID)
		q.quarantine = append(q.quarantine, event)
		q.logger.Warn("event quarantined after retry exhaustion",
			slog.String("queue_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.Int("retries", event.RetryCount),
		)
	}
}

func (q *Queue) quarantineEvent(event *QueuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.removeEventLocked(event.ID) {
		q.quarantine = append(q.quarantine, event)
	}
}

func (q *Queue) removeEvent(queueID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeEventLocked(queueID)
}

func (q *Queue) removeEventLocked(queueID string) bool {
	for i, event := range q.events {
		if event.ID == queueID {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return true
		}
	}
	return false
}

// Status returns the queue's observability snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	breakdown := make(map[string]int)
	for _, event := range q.events {
		breakdown[event.Priority.String()]++
	}
	return Status{
		IsOnline:          q.online,
		SyncInProgress:    q.syncInProgress,
		QueuedCount:       len(q.events),
		QuarantinedCount:  len(q.quarantine),
		PriorityBreakdown: breakdown,
		CapacityUsed:      float64(len(q.events)) / float64(q.config.Capacity),
	}
}

// Quarantined returns a copy of the quarantine list for operator inspection.
// Quarantined events are never auto-retried.
func (q *Queue) Quarantined() []*QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*QueuedEvent, len(q.quarantine))
	copy(out, q.quarantine)
	return out
}

func (q *Queue) isOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) setOnline(online bool) {
	q.mu.Lock()
	if q.online != online {
		q.logger.Info("delivery state changed", slog.Bool("online", online))
	}
	q.online = online
	q.mu.Unlock()
}
