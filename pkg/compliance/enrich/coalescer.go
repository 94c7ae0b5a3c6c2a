package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow is the debounce window of enrichment persistence.
const DefaultWindow = time.Second

// WriteFunc persists the current state of one cache key.
type WriteFunc func(ctx context.Context) error

type pendingWrite struct {
	timer *time.Timer
	write WriteFunc
}

// Coalescer debounces writes per key. Scheduling a write for a key that
// already has one pending replaces it and restarts the window, so a burst of
// schedules produces one write. Writes for the same key never overlap.
type Coalescer struct {
	window  time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	locks   map[string]*sync.Mutex
	wg      sync.WaitGroup
}

func NewCoalescer(window time.Duration) *Coalescer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coalescer{
		window:  window,
		timeout: 30 * time.Second,
		logger:  slog.Default().With("component", "enrich"),
		pending: make(map[string]*pendingWrite),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Schedule queues write for key, replacing any write still pending for it.
func (c *Coalescer) Schedule(key string, write WriteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[key]; ok {
		p.write = write
		p.timer.Reset(c.window)
		return
	}
	p := &pendingWrite{write: write}
	c.pending[key] = p
	c.wg.Add(1)
	p.timer = time.AfterFunc(c.window, func() { c.fire(key, p) })
}

// Pending returns the number of keys with a queued write.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coalescer) fire(key string, p *pendingWrite) {
	c.mu.Lock()
	if c.pending[key] != p {
		// already taken by Flush or an earlier firing of a reset timer
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	write := p.write
	c.mu.Unlock()

	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.run(ctx, key, write); err != nil {
		c.logger.WarnContext(ctx, "debounced write failed", "key", key, "error", err)
	}
}

func (c *Coalescer) run(ctx context.Context, key string, write WriteFunc) error {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return write(ctx)
}

// Flush runs every pending write now and waits for writes already in
// progress.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	taken := make(map[string]WriteFunc, len(c.pending))
	for key, p := range c.pending {
		p.timer.Stop()
		taken[key] = p.write
		delete(c.pending, key)
	}
	c.mu.Unlock()

	var errs []error
	for key, write := range taken {
		if err := c.run(ctx, key, write); err != nil {
			errs = append(errs, err)
		}
		c.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
