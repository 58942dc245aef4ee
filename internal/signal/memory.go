package signal

import (
	"context"
	"sync"

	"github.com/chatr4661-cell/callkit/internal/util"
)

const subscriberBuffer = 64

// MemoryStore is a process-local Store used by tests and single-process
// demos. Each subscriber gets a buffered channel drained by its own pump
// goroutine, so delivery preserves insertion order without letting a slow
// consumer block Insert.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]Signal
	subs    map[string]map[int]*memorySub
	nextSub int
}

type memorySub struct {
	ch   chan Signal
	done chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]Signal),
		subs:    make(map[string]map[int]*memorySub),
	}
}

func (s *MemoryStore) Insert(_ context.Context, sig Signal) error {
	s.mu.Lock()
	s.records[sig.CallID] = append(s.records[sig.CallID], sig)
	for _, sub := range s.subs[sig.CallID] {
		// Never block Insert on a wedged consumer; drop instead.
		select {
		case sub.ch <- sig:
		default:
			util.LogWarning("subscriber buffer full on %s, dropping record", sig.CallID)
		}
	}
	s.mu.Unlock()
	return nil
}

// Subscribe never invokes onDown: an in-process subscription has no stream
// that can break.
func (s *MemoryStore) Subscribe(_ context.Context, callID string, fn func(Signal), _ func(error)) (func(), error) {
	sub := &memorySub{
		ch:   make(chan Signal, subscriberBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[callID] == nil {
		s.subs[callID] = make(map[int]*memorySub)
	}
	s.subs[callID][id] = sub
	s.mu.Unlock()

	go func() {
		for {
			select {
			case sig := <-sub.ch:
				fn(sig)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[callID], id)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return dispose, nil
}

func (s *MemoryStore) List(_ context.Context, callID string) ([]Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Signal, len(s.records[callID]))
	copy(out, s.records[callID])
	return out, nil
}
