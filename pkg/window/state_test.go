package window

import (
	"sync"
	"testing"
)

func TestMemoryStateEnsureTokenMintsOnce(t *testing.T) {
	state := NewMemoryState()

	calls := 0
	mint := func() string {
		calls++
		return "tok-1"
	}

	if got := state.EnsureToken(mint); got != "tok-1" {
		t.Fatalf("EnsureToken = %q, want %q", got, "tok-1")
	}
	if got := state.EnsureToken(func() string { return "tok-2" }); got != "tok-1" {
		t.Fatalf("EnsureToken second call = %q, want %q", got, "tok-1")
	}
	if calls != 1 {
		t.Fatalf("mint calls = %d, want 1", calls)
	}
}

func TestMemoryStateEnsureTokenConcurrent(t *testing.T) {
	state := NewMemoryState()

	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = state.EnsureToken(func() string { return string(rune('a' + i)) })
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		if got != results[0] {
			t.Fatalf("tokens diverged: %q vs %q", got, results[0])
		}
	}
}

func TestMemoryStateFlags(t *testing.T) {
	state := NewMemoryState()
	if state.Ready() || state.ClosedByUs() {
		t.Fatal("expected zero flags on new state")
	}

	state.SetReady(true)
	state.MarkClosedByUs()

	if !state.Ready() {
		t.Fatal("expected ready")
	}
	if !state.ClosedByUs() {
		t.Fatal("expected closed-by-us")
	}
}
