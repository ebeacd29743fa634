package revdb

import (
	"context"
	"sync"
)

// Scheduler runs background maintenance work such as view recomputes.
// Submitting a task under a key cancels any earlier task under the same key
// that has not run yet; the newest submission wins. Tasks for the same key
// never run concurrently.
type Scheduler interface {
	Submit(key string, task func(ctx context.Context))
	Close()
}

// inprocScheduler is the default Scheduler: one goroutine per task, chained
// per key so replaced tasks drain before their successor starts.
type inprocScheduler struct {
	mu     sync.Mutex
	slots  map[string]*schedSlot
	wg     sync.WaitGroup
	closed bool
}

type schedSlot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newInprocScheduler() *inprocScheduler {
	return &inprocScheduler{slots: make(map[string]*schedSlot)}
}

func (s *inprocScheduler) Submit(key string, task func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.slots[key]
	if prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	slot := &schedSlot{cancel: cancel, done: make(chan struct{})}
	s.slots[key] = slot
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(slot.done)
		if prev != nil {
			<-prev.done
		}
		if ctx.Err() != nil {
			return
		}
		task(ctx)
		s.mu.Lock()
		if s.slots[key] == slot {
			delete(s.slots, key)
		}
		s.mu.Unlock()
	}()
}

func (s *inprocScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, slot := range s.slots {
		slot.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// syncScheduler runs every task inline on the submitting goroutine. Tests use
// it to make recomputes deterministic.
type syncScheduler struct{}

func (syncScheduler) Submit(key string, task func(ctx context.Context)) {
	task(context.Background())
}

func (syncScheduler) Close() {}
