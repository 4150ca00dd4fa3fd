package threat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"limitgate/internal/common"
	"limitgate/internal/ratelimit"
)

// Verdict is the cached result of one coordinated attack scan.
type Verdict struct {
	Detected      bool            `json:"detected"`
	Severity      common.Severity `json:"severity"`
	TotalRequests int64           `json:"total_requests"`
	UniqueSources int             `json:"unique_sources"`
	CheckedAt     time.Time       `json:"checked_at"`
}

// Throttler is the limiter-side response to an active attack.
type Throttler interface {
	SetAttackThrottle(active bool)
}

// Detector flags distributed, multi-source campaigns by aggregating window
// counters across all tracked sources. The scan is O(active keys) and runs
// on its own timer, never on the request path; callers between ticks get
// the cached verdict.
type Detector struct {
	store     ratelimit.Store
	incidents *IncidentLog
	throttler Throttler
	logger    *slog.Logger

	lookback time.Duration
	interval time.Duration

	mu      sync.RWMutex
	current Verdict
}

// Aggregate thresholds from the detection tuning: a HIGH verdict needs both
// volume and spread, MEDIUM a lower bar of each.
const (
	highRequests   = 1000
	highSources    = 50
	mediumRequests = 500
	mediumSources  = 20
)

func NewDetector(store ratelimit.Store, incidents *IncidentLog, throttler Throttler,
	lookback, interval time.Duration, logger *slog.Logger) *Detector {
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		store:     store,
		incidents: incidents,
		throttler: throttler,
		logger:    logger,
		lookback:  lookback,
		interval:  interval,
	}
}

// Current returns the verdict from the most recent scan.
func (d *Detector) Current() Verdict {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Detect runs one scan, caches the verdict, and drives the automated
// response: on a fresh detection it opens an incident, engages the
// limiter's attack throttle, and contains the incident; when traffic
// subsides the throttle is released.
func (d *Detector) Detect(now time.Time) Verdict {
	total, sources := d.store.TotalsSince(now.Add(-d.lookback))

	v := Verdict{
		TotalRequests: total,
		UniqueSources: sources,
		CheckedAt:     now,
	}
	switch {
	case total > highRequests && sources > highSources:
		v.Detected = true
		v.Severity = common.SeverityHigh
	case total > mediumRequests && sources > mediumSources:
		v.Detected = true
		v.Severity = common.SeverityMedium
	}

	d.mu.Lock()
	prev := d.current
	d.current = v
	d.mu.Unlock()

	if v.Detected && !prev.Detected {
		d.logger.Warn("coordinated attack detected",
			"total_requests", total, "unique_sources", sources,
			"severity", v.Severity.String())
		inc := d.incidents.Open("coordinated_attack", v.Severity, "", nil)
		if d.throttler != nil {
			d.throttler.SetAttackThrottle(true)
		}
		if err := d.incidents.Contain(inc.ID); err != nil {
			d.logger.Error("contain failed", "incident", inc.ID, "err", err)
		}
	}
	if !v.Detected && prev.Detected {
		d.logger.Info("coordinated attack subsided")
		if d.throttler != nil {
			d.throttler.SetAttackThrottle(false)
		}
	}
	return v
}

// Serve runs periodic scans until the context is canceled. It satisfies
// suture.Service so the supervisor restarts it on failure.
func (d *Detector) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.Detect(now)
		}
	}
}

func (d *Detector) String() string { return "attack-detector" }
