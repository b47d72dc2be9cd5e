package window

import "sync"

// State is the explicit per-window-instance record the bridge keeps next to
// a window: its identity token, whether it can receive messages yet, and
// whether the last close was requested through the bridge.
type State interface {
	Token() string
	// EnsureToken stores mint() as the token unless one is already set and
	// returns the stored token. mint is called at most once per instance.
	EnsureToken(mint func() string) string
	Ready() bool
	SetReady(ready bool)
	ClosedByUs() bool
	MarkClosedByUs()
}

// MemoryState is a State held in process memory.
type MemoryState struct {
	mu         sync.RWMutex
	token      string
	ready      bool
	closedByUs bool
}

func NewMemoryState() *MemoryState {
	return &MemoryState{}
}

func (s *MemoryState) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryState) EnsureToken(mint func() string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		s.token = mint()
	}
	return s.token
}

func (s *MemoryState) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *MemoryState) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *MemoryState) ClosedByUs() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closedByUs
}

func (s *MemoryState) MarkClosedByUs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedByUs = true
}
