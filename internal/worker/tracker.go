package worker

import (
	"sort"
	"sync"
)

// ClaimTracker remembers the workspaces this process has claimed and not yet
// finished, so they can be handed back on shutdown.
type ClaimTracker struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewClaimTracker() *ClaimTracker {
	return &ClaimTracker{claimed: make(map[string]struct{})}
}

func (t *ClaimTracker) Track(workspace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimed[workspace] = struct{}{}
}

func (t *ClaimTracker) Untrack(workspace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimed, workspace)
}

// Claimed returns the tracked workspaces in sorted order.
func (t *ClaimTracker) Claimed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.claimed))
	for ws := range t.claimed {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}
