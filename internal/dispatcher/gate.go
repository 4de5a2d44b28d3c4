package dispatcher

import "sync"

// Gate enforces at most one in-flight background execution per user. Both
// the cron scheduler and the heartbeat loop share one Gate, so a user can
// never have two autonomous runs at once. Callers skip — never queue —
// when acquisition fails.
type Gate struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{inFlight: make(map[string]bool)}
}

// TryAcquire reserves the user's slot. Returns false when a run is already
// in flight.
func (g *Gate) TryAcquire(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[userID] {
		return false
	}
	g.inFlight[userID] = true
	return true
}

// Release frees the user's slot. Safe to call for a user that holds none.
func (g *Gate) Release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, userID)
}

// InFlight returns the number of users with active background runs.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
