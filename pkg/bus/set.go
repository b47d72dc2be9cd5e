package bus

import "sync"

// OrderedSet is a concurrency-safe set that remembers insertion order.
// Adding a member twice keeps its original position.
type OrderedSet[T comparable] struct {
	mu      sync.RWMutex
	members []T
	index   map[T]struct{}
}

func NewOrderedSet[T comparable]() *OrderedSet[T] {
	return &OrderedSet[T]{index: make(map[T]struct{})}
}

// Add inserts v and reports whether it was new. It fails for nil or
// uncomparable dynamic values.
func (s *OrderedSet[T]) Add(v T) (bool, error) {
	if err := checkComparable(any(v)); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[v]; ok {
		return false, nil
	}
	s.index[v] = struct{}{}
	s.members = append(s.members, v)
	return true, nil
}

// Remove deletes v and reports whether it was present.
func (s *OrderedSet[T]) Remove(v T) bool {
	if checkComparable(any(v)) != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[v]; !ok {
		return false
	}
	delete(s.index, v)
	for i, member := range s.members {
		if member == v {
			s.members = append(s.members[:i:i], s.members[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns the members in insertion order.
func (s *OrderedSet[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]T(nil), s.members...)
}

func (s *OrderedSet[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// HandlerSet is the set of message handlers registered for one peer.
type HandlerSet = OrderedSet[MessageHandler]

func NewHandlerSet() *HandlerSet {
	return NewOrderedSet[MessageHandler]()
}
