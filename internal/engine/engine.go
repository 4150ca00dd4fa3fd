package engine

import (
	"log/slog"
	"time"

	"limitgate/internal/audit"
	"limitgate/internal/common"
	"limitgate/internal/detection"
	"limitgate/internal/metrics"
	"limitgate/internal/policy"
	"limitgate/internal/ratelimit"
	"limitgate/internal/threat"
)

// Options tune the engine's background behavior.
type Options struct {
	DetectLookback time.Duration
	DetectInterval time.Duration
	StoreRetention time.Duration
	// Store overrides the default in-memory store, for shared backends.
	Store ratelimit.Store
}

// Engine is the gating façade constructed once at startup and passed to
// request handlers by reference. It wires the analyzer, limiter, ledger,
// incident log, and detector together; there are no package-level caches.
type Engine struct {
	policies  *policy.Table
	store     ratelimit.Store
	limiter   *ratelimit.Limiter
	history   *ratelimit.History
	analyzer  *detection.Analyzer
	ledger    *threat.Ledger
	incidents *threat.IncidentLog
	detector  *threat.Detector
	sink      audit.Sink
	logger    *slog.Logger
}

func New(policies *policy.Table, sink audit.Sink, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	store := opts.Store
	if store == nil {
		store = ratelimit.NewMemoryStore(opts.StoreRetention)
	}

	history := ratelimit.NewHistory()
	limiter := ratelimit.NewLimiter(policies, store, history, logger)
	incidents := threat.NewIncidentLog(sink, logger)
	ledger := threat.NewLedger(incidents, sink, logger)
	detector := threat.NewDetector(store, incidents, limiter,
		opts.DetectLookback, opts.DetectInterval, logger)

	e := &Engine{
		policies:  policies,
		store:     store,
		limiter:   limiter,
		history:   history,
		analyzer:  detection.NewAnalyzer(logger),
		ledger:    ledger,
		incidents: incidents,
		detector:  detector,
		sink:      sink,
		logger:    logger,
	}
	limiter.OnViolation(func(identifier, category string) {
		ledger.RecordEvent(identifier, common.ThreatRateLimitExceeded, common.SeverityLow)
	})
	return e
}

// CheckLimit enforces the quota for one identifier and endpoint category.
func (e *Engine) CheckLimit(identifier, category string) ratelimit.Result {
	return e.limiter.Check(identifier, category)
}

// CheckRequest enforces quotas for the IP bucket first, then the
// authenticated user bucket.
func (e *Engine) CheckRequest(ip, userID, category string) ratelimit.Result {
	return e.limiter.CheckRequest(ip, userID, category)
}

// Classify runs the stateless payload classifier.
func (e *Engine) Classify(payload string) []common.ThreatClass {
	return e.analyzer.Classify(payload)
}

// Inspect is the full request gate: the payload is classified, classified
// threats are recorded against the source, ledger-blocked sources are
// denied outright, and finally the rate limit is checked.
func (e *Engine) Inspect(ip, userID, category, payload string) ratelimit.Result {
	classes := e.analyzer.Classify(payload)
	source := ip
	if source == "" {
		source = userID
	}
	for _, class := range classes {
		e.ledger.RecordEvent(source, class, severityFor(class))
	}
	if source != "" && e.ledger.IsBlocked(source) {
		pol, _ := e.policies.Resolve(category)
		metrics.ChecksTotal.WithLabelValues(category, "denied").Inc()
		metrics.DenialsTotal.WithLabelValues(category, string(common.ReasonBlocked)).Inc()
		return ratelimit.Result{
			Allowed:    false,
			Limit:      pol.MaxRequests,
			Remaining:  0,
			ResetAt:    time.Now().Add(pol.BlockDuration),
			RetryAfter: pol.BlockDuration,
			Blocked:    true,
			Reason:     common.ReasonBlocked,
		}
	}
	return e.limiter.CheckRequest(ip, userID, category)
}

// RecordViolation registers an externally observed violation against the
// identifier and the threat ledger.
func (e *Engine) RecordViolation(identifier string, reason common.DenyReason) {
	e.limiter.RecordViolation(identifier, reason)
	e.ledger.RecordEvent(identifier, common.ThreatRateLimitExceeded, common.SeverityLow)
	e.sink.Emit("violation_recorded", common.SeverityLow, map[string]any{
		"reason": string(reason),
	})
}

// RecordEvent feeds a classified violation event into the threat ledger.
func (e *Engine) RecordEvent(sourceID string, class common.ThreatClass, severity common.Severity) {
	e.ledger.RecordEvent(sourceID, class, severity)
}

// DetectCoordinatedAttack returns the cached verdict from the detector's
// most recent periodic scan.
func (e *Engine) DetectCoordinatedAttack() threat.Verdict {
	return e.detector.Current()
}

// AddPolicy installs or replaces the policy for an endpoint category.
func (e *Engine) AddPolicy(category string, p policy.Policy) error {
	return e.policies.Add(category, p)
}

// Sweep evicts stale window counters, aged-out violation history, and
// low-risk ledger entries. Run by the background sweep service.
func (e *Engine) Sweep() {
	now := time.Now()
	counters := e.store.Sweep(now)
	lockouts := e.history.Sweep(now)
	entries := e.ledger.Sweep(now)
	metrics.SweepEvictions.WithLabelValues("counters").Add(float64(counters))
	metrics.SweepEvictions.WithLabelValues("lockouts").Add(float64(lockouts))
	metrics.SweepEvictions.WithLabelValues("threat_entries").Add(float64(entries))
	if counters+lockouts+entries > 0 {
		e.logger.Debug("sweep complete",
			"counters", counters, "lockouts", lockouts, "threat_entries", entries)
	}
}

// Detector exposes the attack detector for supervision.
func (e *Engine) Detector() *threat.Detector { return e.detector }

// Incidents exposes the incident log for the admin surface.
func (e *Engine) Incidents() *threat.IncidentLog { return e.incidents }

// Ledger exposes the threat ledger for the admin surface.
func (e *Engine) Ledger() *threat.Ledger { return e.ledger }

func severityFor(class common.ThreatClass) common.Severity {
	switch class {
	case common.ThreatSQLInjection, common.ThreatCommandInjection:
		return common.SeverityHigh
	case common.ThreatXSS, common.ThreatNoSQLInjection, common.ThreatLDAPInjection:
		return common.SeverityMedium
	default:
		return common.SeverityMedium
	}
}
