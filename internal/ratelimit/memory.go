package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// Memory is an in-process Limiter. Counters live in a map swept by a
// background goroutine started with Start.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*window
	now      func() time.Time
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Limiter = (*Memory)(nil)

func NewMemory(cleanupInterval time.Duration, logger *slog.Logger) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		entries:  make(map[string]*window),
		now:      time.Now,
		interval: cleanupInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Check(_ context.Context, key string, limit int, win time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.reset) {
		e = &window{reset: now.Add(win)}
		m.entries[key] = e
	}
	if e.count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetTime: e.reset}, nil
	}
	e.count++
	return Result{Allowed: true, Remaining: limit - e.count, ResetTime: e.reset}, nil
}

// Start launches the cleanup goroutine. It exits on Stop or when ctx ends.
func (m *Memory) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("rate limit entries evicted", "count", n)
				}
			}
		}
	}()
}

// Stop ends the cleanup goroutine and waits for it.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Sweep drops expired windows and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.reset) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
