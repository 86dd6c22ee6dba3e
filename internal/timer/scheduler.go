// Package timer provides the shared scheduler used by the monitors and the
// trigger executor. Timers are identified by opaque handles handed out at
// registration, so two components can never collide on a key the way
// string-keyed registries allow.
package timer

import (
	"log"
	"sync"
	"time"
)

// Handle identifies one registered timer. The zero Handle is invalid and
// Cancel ignores it.
type Handle uint64

// Scheduler owns a set of recurring and one-shot timers. All callbacks run
// on their own goroutine; panics are recovered and logged so a misbehaving
// callback cannot take down the scheduling loop.
type Scheduler struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]*entry
	stopped bool
}

type entry struct {
	ticker *time.Ticker
	timer  *time.Timer
	done   chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{entries: make(map[Handle]*entry)}
}

// Every registers fn to run every interval until the handle is cancelled or
// the scheduler is stopped. Returns the zero Handle if the scheduler has
// already been stopped.
func (s *Scheduler) Every(interval time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.next++
	h := s.next
	e := &entry{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	s.entries[h] = e

	go func() {
		for {
			select {
			case <-e.done:
				return
			case <-e.ticker.C:
				runRecovered(fn)
			}
		}
	}()
	return h
}

// After registers fn to run once after delay. The callback re-checks
// liveness at fire time: cancelling the handle before the delay elapses
// guarantees fn never runs.
func (s *Scheduler) After(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.next++
	h := s.next
	e := &entry{}
	s.entries[h] = e

	e.timer = time.AfterFunc(delay, func() {
		// A fired one-shot removes itself. If Cancel won the race the
		// entry is already gone and the callback must not run.
		s.mu.Lock()
		_, live := s.entries[h]
		if live {
			delete(s.entries, h)
		}
		stopped := s.stopped
		s.mu.Unlock()
		if !live || stopped {
			return
		}
		runRecovered(fn)
	})
	return h
}

// Cancel stops the timer for h. Idempotent; unknown or zero handles are
// ignored. A one-shot whose callback already started is not interrupted.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	e, ok := s.entries[h]
	if ok {
		delete(s.entries, h)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	stopEntry(e)
}

// Stop cancels every registered timer and rejects further registrations.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	entries := s.entries
	s.entries = make(map[Handle]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		stopEntry(e)
	}
}

// Len reports the number of live timers. Used in tests and for the
// executor's pending-timeout bookkeeping.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func stopEntry(e *entry) {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.done != nil {
		close(e.done)
	}
}

func runRecovered(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("timer callback panic: %v", r)
		}
	}()
	fn()
}
