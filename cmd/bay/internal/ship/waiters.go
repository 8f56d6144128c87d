package ship

import (
	"context"
	"sync"
	"time"
)

// slotWaiters queues allocators blocked on the fleet cap. Wakeups are FIFO:
// a released slot goes to the longest waiter.
type slotWaiters struct {
	mu    sync.Mutex
	queue []chan struct{}
}

// wait blocks until a slot is signaled, the deadline passes, or ctx is
// cancelled. Returns true when woken by a signal.
func (w *slotWaiters) wait(ctx context.Context, timeout time.Duration) (bool, error) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.queue = append(w.queue, ch)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		w.remove(ch)
		return false, nil
	case <-ctx.Done():
		w.remove(ch)
		return false, ctx.Err()
	}
}

// signal wakes the head of the queue, if any.
func (w *slotWaiters) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return
	}
	ch := w.queue[0]
	w.queue = w.queue[1:]
	ch <- struct{}{}
}

func (w *slotWaiters) remove(ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.queue {
		if c == ch {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return
		}
	}
	// Already signaled; pass the wakeup on so the slot is not lost.
	select {
	case <-ch:
		if len(w.queue) > 0 {
			next := w.queue[0]
			w.queue = w.queue[1:]
			next <- struct{}{}
		}
	default:
	}
}

// sessionLocks serializes allocation per session_id.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire locks the per-session mutex and returns its release func.
func (s *sessionLocks) acquire(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}
