// Package admission bounds how many programs run at once across all sessions.
package admission

import (
	"context"
	"sync"
	"sync/atomic"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultCapacity = 10
	DefaultMaxQueue = 100
)

// Stats is a point-in-time view of the controller.
type Stats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
	MaxQueue int `json:"max_queue"`
}

// Controller hands out a fixed number of execution slots. Waiters are served
// in arrival order and the wait queue is bounded.
type Controller struct {
	sem      *semaphore.Weighted
	capacity int
	maxQueue int

	mu      sync.Mutex
	waiting int

	inUse atomic.Int64
}

// New creates a controller. A non-positive capacity or a negative queue
// length falls back to the defaults.
func New(capacity, maxQueue int) *Controller {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxQueue < 0 {
		maxQueue = DefaultMaxQueue
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		maxQueue: maxQueue,
	}
}

// Ticket is one held slot.
type Ticket struct {
	c    *Controller
	once sync.Once
}

// Release returns the slot. Only the first call has an effect.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.c.inUse.Add(-1)
		t.c.sem.Release(1)
	})
}

// Acquire blocks until a slot is free, the queue is full, or ctx ends.
func (c *Controller) Acquire(ctx context.Context) (*Ticket, error) {
	if c.sem.TryAcquire(1) {
		return c.grant(), nil
	}

	c.mu.Lock()
	if c.waiting >= c.maxQueue {
		waiting := c.waiting
		c.mu.Unlock()
		logger.Warn(ctx, "admission queue full", zap.Int("waiting", waiting), zap.Int("capacity", c.capacity))
		return nil, appErr.New(appErr.QueueFull).
			WithDetail("waiting", waiting).
			WithDetail("capacity", c.capacity)
	}
	c.waiting++
	position := c.waiting
	c.mu.Unlock()

	logger.Debug(ctx, "waiting for execution slot", zap.Int("position", position))
	err := c.sem.Acquire(ctx, 1)

	c.mu.Lock()
	c.waiting--
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return c.grant(), nil
}

func (c *Controller) grant() *Ticket {
	c.inUse.Add(1)
	return &Ticket{c: c}
}

// Stats reports capacity and current usage.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	waiting := c.waiting
	c.mu.Unlock()
	return Stats{
		Capacity: c.capacity,
		InUse:    int(c.inUse.Load()),
		Waiting:  waiting,
		MaxQueue: c.maxQueue,
	}
}
