package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"queuebell/internal/queue"
)

type memoryStore struct {
	mu          sync.Mutex
	entries     map[string]queue.Entry
	transitions []queue.Transition
	closed      bool
}

// NewMemory returns an in-process queue.Store.
func NewMemory() queue.Store {
	return &memoryStore{entries: map[string]queue.Entry{}}
}

func (s *memoryStore) Create(ctx context.Context, e queue.Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.ID == "" {
		return fmt.Errorf("create entry: empty id")
	}
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("create entry %s: already exists", e.ID)
	}
	if e.Status == "" {
		e.Status = queue.StatusWaiting
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	s.entries[e.ID] = cloneEntry(e)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (queue.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.Entry{}, ErrClosed
	}
	e, ok := s.entries[id]
	if !ok {
		return queue.Entry{}, queue.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *memoryStore) Update(ctx context.Context, id string, fn func(e *queue.Entry) error) (queue.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.Entry{}, ErrClosed
	}
	cur, ok := s.entries[id]
	if !ok {
		return queue.Entry{}, queue.ErrNotFound
	}
	next := cloneEntry(cur)
	if err := fn(&next); err != nil {
		return queue.Entry{}, err
	}
	next.ID = cur.ID
	next.UpdatedAt = time.Now()
	s.entries[id] = next
	return cloneEntry(next), nil
}

func (s *memoryStore) ListByStatus(ctx context.Context, status queue.Status) ([]queue.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]queue.Entry, 0)
	for _, e := range s.entries {
		if e.Status == status {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) AppendTransition(ctx context.Context, t queue.Transition) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.transitions = append(s.transitions, t)
	// Keep the log bounded.
	if len(s.transitions) > 10000 {
		s.transitions = s.transitions[len(s.transitions)-10000:]
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Transitions returns a copy of the transition log of a memory store. It
// returns nil for other store implementations.
func Transitions(st queue.Store) []queue.Transition {
	m, ok := st.(*memoryStore)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Transition(nil), m.transitions...)
}

func cloneEntry(e queue.Entry) queue.Entry {
	cp := e
	cp.CalledAt = cloneTime(e.CalledAt)
	cp.AcknowledgedAt = cloneTime(e.AcknowledgedAt)
	cp.EstimatedArrival = cloneTime(e.EstimatedArrival)
	cp.LastNotificationAt = cloneTime(e.LastNotificationAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
