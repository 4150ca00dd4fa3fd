package threat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"limitgate/internal/audit"
	"limitgate/internal/common"
	"limitgate/internal/metrics"
)

const (
	// autoBlockThreshold is the risk score at which a source is blocked.
	// The block is sticky until manually cleared.
	autoBlockThreshold = 80.0

	// Eviction bounds: entries idle past the retention with a risk score
	// under the floor are swept away.
	entryRetention = 24 * time.Hour
	riskFloor      = 10.0

	// Idle entries decay each sweep so risk fades without ever regressing
	// an active source's score.
	decayIdleAfter = time.Hour
	decayFactor    = 0.9

	// Auth failure burst rule.
	authBurstWindow    = 10 * time.Minute
	authBurstThreshold = 5
)

// eventWeights is the fixed per-class risk weight table. Unknown classes
// score the default weight.
var eventWeights = map[common.ThreatClass]float64{
	common.ThreatSQLInjection:         20,
	common.ThreatXSS:                  15,
	common.ThreatPrivilegeEscalation:  25,
	common.ThreatDataAccessViolation:  10,
	common.ThreatAuthFailure:          5,
	common.ThreatRateLimitExceeded:    3,
	common.ThreatCommandInjection:     20,
	common.ThreatPathTraversal:        10,
	common.ThreatNoSQLInjection:       15,
	common.ThreatLDAPInjection:        15,
}

const defaultEventWeight = 5.0

type entry struct {
	sourceID     string
	riskScore    float64
	classes      map[common.ThreatClass]struct{}
	firstSeen    time.Time
	lastSeen     time.Time
	blocked      bool
	authFailures []time.Time
}

// Entry is the externally visible snapshot of a ledger entry.
type Entry struct {
	SourceID  string               `json:"source_id"`
	RiskScore float64              `json:"risk_score"`
	Classes   []common.ThreatClass `json:"classifications"`
	FirstSeen time.Time            `json:"first_seen"`
	LastSeen  time.Time            `json:"last_seen"`
	Blocked   bool                 `json:"blocked"`
}

// Ledger accumulates a decaying risk score per source across heterogeneous
// violation types, auto-blocking sources that cross the threshold.
type Ledger struct {
	mu        sync.Mutex
	entries   map[string]*entry
	incidents *IncidentLog
	sink      audit.Sink
	logger    *slog.Logger
}

func NewLedger(incidents *IncidentLog, sink audit.Sink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		entries:   make(map[string]*entry),
		incidents: incidents,
		sink:      sink,
		logger:    logger,
	}
}

// RecordEvent upserts the source's entry, adds the class weight to its risk
// score, and applies the auto-block and auth-burst rules. Risk only ever
// decreases through sweep decay, never here.
func (l *Ledger) RecordEvent(sourceID string, class common.ThreatClass, severity common.Severity) {
	if sourceID == "" {
		return
	}
	now := time.Now()

	weight, ok := eventWeights[class]
	if !ok {
		weight = defaultEventWeight
	}

	l.mu.Lock()
	e, exists := l.entries[sourceID]
	if !exists {
		e = &entry{
			sourceID:  sourceID,
			classes:   make(map[common.ThreatClass]struct{}),
			firstSeen: now,
		}
		l.entries[sourceID] = e
		metrics.ThreatEntries.Set(float64(len(l.entries)))
	}
	e.riskScore += weight
	e.classes[class] = struct{}{}
	e.lastSeen = now

	crossed := !e.blocked && e.riskScore >= autoBlockThreshold
	if crossed {
		e.blocked = true
	}
	burst := false
	if class == common.ThreatAuthFailure {
		cutoff := now.Add(-authBurstWindow)
		kept := e.authFailures[:0]
		for _, ts := range e.authFailures {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		e.authFailures = append(kept, now)
		// Fire once, on the crossing event, not on every failure after it.
		burst = len(e.authFailures) == authBurstThreshold
	}
	score := e.riskScore
	l.mu.Unlock()

	l.sink.Emit("threat_event", severity, map[string]any{
		"source":     sourceID,
		"class":      string(class),
		"risk_score": score,
	})

	if crossed {
		l.logger.Warn("source auto-blocked", "source", sourceID, "risk_score", score)
		inc := l.incidents.Open("risk_threshold_exceeded", common.SeverityCritical, sourceID,
			[]string{string(class)})
		// The sticky block is the automated response, so the incident is
		// contained immediately and awaits external resolution.
		if err := l.incidents.Contain(inc.ID); err != nil {
			l.logger.Error("contain failed", "incident", inc.ID, "err", err)
		}
	}
	if burst {
		l.incidents.Open("auth_failure_burst", common.SeverityHigh, sourceID, nil)
	}
}

// IsBlocked reports whether the source has crossed the auto-block threshold
// and has not been manually cleared.
func (l *Ledger) IsBlocked(sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sourceID]
	return ok && e.blocked
}

// Unblock manually clears a blocked source. The risk score is untouched so
// further events re-block quickly.
func (l *Ledger) Unblock(sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sourceID]
	if !ok || !e.blocked {
		return false
	}
	e.blocked = false
	return true
}

// Get returns a snapshot of the source's entry.
func (l *Ledger) Get(sourceID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sourceID]
	if !ok {
		return Entry{}, false
	}
	return snapshot(e), true
}

// Sweep evicts entries idle past the retention whose risk score sits under
// the floor, and decays idle unblocked entries.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for sourceID, e := range l.entries {
		if now.Sub(e.lastSeen) > entryRetention && e.riskScore < riskFloor {
			delete(l.entries, sourceID)
			evicted++
			continue
		}
		if !e.blocked && now.Sub(e.lastSeen) > decayIdleAfter {
			e.riskScore *= decayFactor
		}
	}
	metrics.ThreatEntries.Set(float64(len(l.entries)))
	return evicted
}

func snapshot(e *entry) Entry {
	classes := make([]common.ThreatClass, 0, len(e.classes))
	for c := range e.classes {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return Entry{
		SourceID:  e.sourceID,
		RiskScore: e.riskScore,
		Classes:   classes,
		FirstSeen: e.firstSeen,
		LastSeen:  e.lastSeen,
		Blocked:   e.blocked,
	}
}
