package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"limitgate/internal/policy"
)

// SentinelIdentifier is the bucket used for requests with an empty or
// missing identifier, so absent identity never bypasses limiting.
const SentinelIdentifier = "anonymous"

// Key derives the opaque fixed-length storage key for an identifier and
// endpoint category. Raw identifiers never reach the store or its logs.
func Key(identifier, category string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(identifier+"|"+category))
}

// SourceKey hashes the identifier alone, used to attribute window counters
// to a source for the coordinated attack scan.
func SourceKey(identifier string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(identifier))
}

// WindowState is the externally visible state of one counter.
type WindowState struct {
	Count        int
	WindowStart  time.Time
	BlockedUntil time.Time
	LastSeen     time.Time
}

// Outcome reports the result of one atomic check-and-increment.
type Outcome struct {
	Allowed      bool
	Count        int
	ResetAt      time.Time
	BlockedUntil time.Time
	// Exceeded is set when this call pushed the counter past the limit.
	// A deny with Exceeded unset means the key was already blocked.
	Exceeded bool
}

// Store is the counter backend. The in-memory implementation below is the
// default; a shared external backend can be substituted without touching
// the limiter algorithm.
type Store interface {
	// CheckAndIncrement executes the whole check sequence for a key as one
	// atomic critical section: blocked check, lazy window reset, increment,
	// limit comparison.
	CheckAndIncrement(key, source string, now time.Time, pol policy.Policy) (Outcome, error)
	// Block marks the key blocked until the given time.
	Block(key string, until time.Time) error
	// Get returns a copy of the key's current state.
	Get(key string) (WindowState, bool)
	// Sweep evicts entries whose window and block have both expired and
	// that have been idle longer than the store's retention. Returns the
	// number of evicted entries.
	Sweep(now time.Time) int
	// TotalsSince is a read-only aggregate over all tracked counters:
	// requests seen since the cutoff and the number of distinct sources.
	// The aggregate is approximate at the edges: an entry touched since the
	// cutoff contributes its whole current-window count even when the
	// window opened earlier, and denials against a blocked key hold its
	// count at the value that tripped the block.
	TotalsSince(cutoff time.Time) (requests int64, sources int)
}

const shardCount = 64

type entry struct {
	count        int
	windowStart  time.Time
	window       time.Duration
	blockedUntil time.Time
	source       string
	lastSeen     time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// memoryStore shards counters across lock-striped buckets so concurrent
// checkLimit callers on different keys rarely contend, and sweeps only ever
// hold one shard lock at a time.
type memoryStore struct {
	shards    [shardCount]shard
	retention time.Duration
}

// NewMemoryStore returns the in-process Store. Retention bounds how long an
// idle, unblocked counter survives sweeps; it must exceed the coordinated
// attack lookback or the aggregate scan undercounts.
func NewMemoryStore(retention time.Duration) Store {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	s := &memoryStore{retention: retention}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *memoryStore) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *memoryStore) CheckAndIncrement(key, source string, now time.Time, pol policy.Policy) (Outcome, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{windowStart: now, window: pol.Window, source: source}
		sh.entries[key] = e
	}
	e.lastSeen = now

	if e.blockedUntil.After(now) {
		return Outcome{
			Allowed:      false,
			Count:        e.count,
			ResetAt:      e.windowStart.Add(e.window),
			BlockedUntil: e.blockedUntil,
		}, nil
	}

	// An expired block ends its window with it, even when the window would
	// otherwise still be live; the next request starts a fresh count rather
	// than inheriting the over-limit one.
	if !e.blockedUntil.IsZero() {
		e.count = 0
		e.windowStart = now
		e.window = pol.Window
		e.blockedUntil = time.Time{}
	}

	// Lazy window reset: counters are never reset by a background tick.
	if !now.Before(e.windowStart.Add(e.window)) {
		e.count = 0
		e.windowStart = now
		e.window = pol.Window
	}

	e.count++
	resetAt := e.windowStart.Add(e.window)
	if e.count > pol.MaxRequests {
		return Outcome{Allowed: false, Count: e.count, ResetAt: resetAt, Exceeded: true}, nil
	}
	return Outcome{Allowed: true, Count: e.count, ResetAt: resetAt}, nil
}

func (s *memoryStore) Block(key string, until time.Time) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{windowStart: until, lastSeen: until}
		sh.entries[key] = e
	}
	if until.After(e.blockedUntil) {
		e.blockedUntil = until
	}
	return nil
}

func (s *memoryStore) Get(key string) (WindowState, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return WindowState{}, false
	}
	return WindowState{
		Count:        e.count,
		WindowStart:  e.windowStart,
		BlockedUntil: e.blockedUntil,
		LastSeen:     e.lastSeen,
	}, true
}

func (s *memoryStore) Sweep(now time.Time) int {
	evicted := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			windowExpired := !now.Before(e.windowStart.Add(e.window))
			blockExpired := !e.blockedUntil.After(now)
			idle := now.Sub(e.lastSeen) > s.retention
			if windowExpired && blockExpired && idle {
				delete(sh.entries, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

func (s *memoryStore) TotalsSince(cutoff time.Time) (int64, int) {
	var total int64
	seen := make(map[string]struct{})
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.lastSeen.Before(cutoff) {
				continue
			}
			total += int64(e.count)
			if e.source != "" {
				seen[e.source] = struct{}{}
			}
		}
		sh.mu.Unlock()
	}
	return total, len(seen)
}
