package ratelimit

import (
	"sync"
	"time"

	"limitgate/internal/policy"
)

// historyLookback bounds how far back lockouts count toward escalation.
const historyLookback = 24 * time.Hour

// maxEscalationShift caps progressive escalation at base * 2^5.
const maxEscalationShift = 5

// History keeps the per-identifier lockout timestamps that drive
// progressive block escalation. Entries older than the lookback are
// excluded from counts and pruned as they are touched or swept.
type History struct {
	mu       sync.Mutex
	lockouts map[string][]time.Time
}

func NewHistory() *History {
	return &History{lockouts: make(map[string][]time.Time)}
}

// RecordLockout appends a lockout for the identifier and prunes expired
// timestamps.
func (h *History) RecordLockout(identifier string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lockouts[identifier] = append(h.prune(identifier, now), now)
}

// Count returns the number of lockouts in the trailing lookback window.
func (h *History) Count(identifier string, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.prune(identifier, now)
	if len(kept) == 0 {
		delete(h.lockouts, identifier)
		return 0
	}
	h.lockouts[identifier] = kept
	return len(kept)
}

// BlockDuration computes the lockout duration for the identifier's next
// block: base * 2^min(v, 5) when the policy escalates progressively, where
// v counts prior lockouts in the trailing 24h.
func (h *History) BlockDuration(identifier string, now time.Time, pol policy.Policy) time.Duration {
	if !pol.Progressive {
		return pol.BlockDuration
	}
	v := h.Count(identifier, now)
	if v > maxEscalationShift {
		v = maxEscalationShift
	}
	return pol.BlockDuration << uint(v)
}

// NextBlockDuration records a lockout and returns the duration of the block
// it triggers. Compute and record form one critical section, so concurrent
// violators for the same identifier each observe a distinct prior-lockout
// count and escalation proceeds in exact steps.
func (h *History) NextBlockDuration(identifier string, now time.Time, pol policy.Policy) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.prune(identifier, now)
	v := len(kept)
	h.lockouts[identifier] = append(kept, now)
	if !pol.Progressive {
		return pol.BlockDuration
	}
	if v > maxEscalationShift {
		v = maxEscalationShift
	}
	return pol.BlockDuration << uint(v)
}

// Sweep drops identifiers whose every lockout has aged out. Returns the
// number of evicted identifiers.
func (h *History) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for identifier := range h.lockouts {
		kept := h.prune(identifier, now)
		if len(kept) == 0 {
			delete(h.lockouts, identifier)
			evicted++
			continue
		}
		h.lockouts[identifier] = kept
	}
	return evicted
}

// prune returns the identifier's timestamps still inside the lookback.
// Callers must hold h.mu.
func (h *History) prune(identifier string, now time.Time) []time.Time {
	cutoff := now.Add(-historyLookback)
	all := h.lockouts[identifier]
	kept := all[:0]
	for _, ts := range all {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
