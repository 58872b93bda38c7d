package extension

import (
	"sync"
	"sync/atomic"
	"time"
)

// source is the broker-side state of one declared data source.
type source struct {
	name    string
	refresh time.Duration
	enabled atomic.Bool

	mu   sync.RWMutex
	subs map[string]Subscriber

	// signals is the FIFO of pending data-ready notifications.
	signals chan struct{}

	// pending counts signals not yet fanned out; idle is closed when it drops to zero.
	pmu     sync.Mutex
	pending int
	idle    chan struct{}
}

func newSource(name string, refresh time.Duration, queue int) *source {
	s := &source{
		name:    name,
		refresh: refresh,
		subs:    make(map[string]Subscriber),
		signals: make(chan struct{}, queue),
	}
	s.enabled.Store(true)
	return s
}

func (s *source) add(sub Subscriber) {
	s.mu.Lock()
	s.subs[sub.Conn.ID()] = sub
	s.mu.Unlock()
}

func (s *source) remove(connID string) {
	s.mu.Lock()
	delete(s.subs, connID)
	s.mu.Unlock()
}

func (s *source) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *source) snapshot() []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *source) markPending() {
	s.pmu.Lock()
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.pmu.Unlock()
}

func (s *source) markDone() {
	s.pmu.Lock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
	s.pmu.Unlock()
}

// idleCh returns nil when nothing is pending, else a channel closed once everything is.
func (s *source) idleCh() <-chan struct{} {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.pending == 0 {
		return nil
	}
	return s.idle
}
