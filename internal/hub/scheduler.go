package hub

import (
	"sync"
	"time"
)

// Handle cancels a scheduled periodic task.
type Handle interface {
	Stop()
}

// Scheduler registers periodic work without tying callers to a concrete
// timer facility. Every handle it hands out is cancelled by Close.
type Scheduler interface {
	Every(interval time.Duration, fn func()) Handle
	Close()
}

// tickerScheduler runs each task on its own goroutine off a time.Ticker.
type tickerScheduler struct {
	mu      sync.Mutex
	handles []*tickerHandle
	closed  bool
}

// NewScheduler creates the default ticker-backed scheduler.
func NewScheduler() Scheduler {
	return &tickerScheduler{}
}

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) Stop() {
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
	})
}

func (s *tickerScheduler) Every(interval time.Duration, fn func()) Handle {
	h := &tickerHandle{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Stop()
		return h
	}
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-h.ticker.C:
				fn()
			}
		}
	}()
	return h
}

// Close stops every outstanding handle. Safe to call more than once.
func (s *tickerScheduler) Close() {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.closed = true
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}
