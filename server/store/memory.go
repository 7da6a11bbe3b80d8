package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used by tests and local single-node
// runs. It reproduces the remote store's contract exactly, including the
// full-history replay on every new tail subscription.
type MemoryStore struct {
	mu         sync.Mutex
	closed     bool
	partitions map[string][]map[string]any
	subs       map[string]map[*memorySubscription]struct{}
	kv         map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string][]map[string]any),
		subs:       make(map[string]map[*memorySubscription]struct{}),
		kv:         make(map[string]string),
	}
}

// Publish appends the record and fans it out to live subscriptions.
func (s *MemoryStore) Publish(_ context.Context, partition string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.partitions[partition] = append(s.partitions[partition], record)
	for sub := range s.subs[partition] {
		sub.enqueue(record)
	}

	return nil
}

// SubscribeTail registers a subscription seeded with the partition's full
// history. Delivery happens on a dedicated goroutine, one record at a time.
func (s *MemoryStore) SubscribeTail(_ context.Context, partition string, fn RecordFunc) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	sub := &memorySubscription{
		store:     s,
		partition: partition,
		fn:        fn,
		done:      make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	// Seed the queue with existing history while holding the store lock so
	// no concurrent publish can slip between snapshot and registration.
	sub.queue = append(sub.queue, s.partitions[partition]...)

	if s.subs[partition] == nil {
		s.subs[partition] = make(map[*memorySubscription]struct{})
	}
	s.subs[partition][sub] = struct{}{}

	go sub.deliver()

	return sub, nil
}

// Get returns the value at path, reporting false when unset.
func (s *MemoryStore) Get(_ context.Context, path string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.kv[path]
	return v, ok, nil
}

// Set writes the value at path.
func (s *MemoryStore) Set(_ context.Context, path string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.kv[path] = value
	return nil
}

// Close shuts down the store and all live subscriptions.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	var all []*memorySubscription
	for _, subs := range s.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	s.subs = make(map[string]map[*memorySubscription]struct{})
	s.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}

	return nil
}

func (s *MemoryStore) removeSub(sub *memorySubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs, ok := s.subs[sub.partition]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.subs, sub.partition)
		}
	}
}

// memorySubscription delivers queued records on its own goroutine, keeping
// callback invocations serialized and ordered.
type memorySubscription struct {
	store     *MemoryStore
	partition string
	fn        RecordFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []map[string]any
	closed bool
	done   chan struct{}
}

func (sub *memorySubscription) enqueue(record map[string]any) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}
	sub.queue = append(sub.queue, record)
	sub.cond.Signal()
}

func (sub *memorySubscription) deliver() {
	defer close(sub.done)

	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		record := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		sub.fn(record)
	}
}

// Close stops delivery and unregisters the subscription. Safe to call more
// than once.
func (sub *memorySubscription) Close() error {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil
	}
	sub.closed = true
	sub.cond.Broadcast()
	sub.mu.Unlock()

	sub.store.removeSub(sub)
	<-sub.done
	return nil
}
