// Package admission bounds the number of scenario batches in flight.
//
// A Controller holds one slot per admitted batch, keyed by batch ID. Callers
// release their slot exactly once on every exit path; a background sweep
// reclaims slots older than the stale threshold as a safety net and logs each
// reclaim as an anomaly.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// ErrAtCapacity is returned to callers when a batch is rejected because every
// slot is taken. It is a retryable condition, not an internal error.
var ErrAtCapacity = errors.New("admission: too many concurrent runs")

// Controller tracks in-flight batches with their admission time.
type Controller struct {
	capacity   int
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	slots map[uuid.UUID]time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source. Used by tests to age slots.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller with the given capacity and starts its sweep
// goroutine. Call Close to stop it.
func New(capacity int, staleAfter, sweepInterval time.Duration, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		capacity:   capacity,
		staleAfter: staleAfter,
		interval:   sweepInterval,
		logger:     logger,
		now:        time.Now,
		slots:      make(map[uuid.UUID]time.Time),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.sweepLoop()
	return c
}

// TryAdmit reserves a slot for key. It returns false when the controller is
// at capacity or key already holds a slot.
func (c *Controller) TryAdmit(key uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.slots[key]; held {
		return false
	}
	if len(c.slots) >= c.capacity {
		return false
	}
	c.slots[key] = c.now()
	return true
}

// Release frees the slot held by key. It reports whether a slot was actually
// removed; a second Release, or one after the sweep reclaimed the slot,
// returns false and changes nothing.
func (c *Controller) Release(key uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.slots[key]; !held {
		return false
	}
	delete(c.slots, key)
	return true
}

// Occupancy returns the number of slots currently held.
func (c *Controller) Occupancy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Capacity returns the configured maximum number of slots.
func (c *Controller) Capacity() int { return c.capacity }

// RegisterMetrics exports occupancy as an observable gauge on meter.
func (c *Controller) RegisterMetrics(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge("kinko.admission.occupancy",
		metric.WithDescription("Scenario batches currently holding an admission slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Occupancy()))
			return nil
		}),
	)
	return err
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes slots admitted longer ago than the stale threshold and
// returns their keys.
func (c *Controller) sweep() []uuid.UUID {
	c.mu.Lock()
	cutoff := c.now().Add(-c.staleAfter)
	var reclaimed []uuid.UUID
	for key, admittedAt := range c.slots {
		if admittedAt.Before(cutoff) {
			delete(c.slots, key)
			reclaimed = append(reclaimed, key)
		}
	}
	c.mu.Unlock()

	for _, key := range reclaimed {
		c.logger.Warn("admission: reclaimed stale slot",
			"batch_id", key,
			"stale_after", c.staleAfter.String())
	}
	return reclaimed
}
