package ratelimit

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"limitgate/internal/common"
	"limitgate/internal/metrics"
	"limitgate/internal/policy"
)

// Result is what a checkLimit call returns to the HTTP layer, which maps it
// onto X-RateLimit-* and Retry-After headers.
type Result struct {
	Allowed    bool              `json:"allowed"`
	Limit      int               `json:"limit"`
	Remaining  int               `json:"remaining"`
	ResetAt    time.Time         `json:"reset_at"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Blocked    bool              `json:"blocked"`
	Reason     common.DenyReason `json:"reason,omitempty"`
}

// ViolationFunc is invoked after a quota violation has been recorded, with
// the raw identifier and category. The engine uses it to feed the threat
// ledger.
type ViolationFunc func(identifier, category string)

// Limiter implements checkLimit over a Store, a policy table, and the
// progressive block history. Constructed once and passed by reference.
type Limiter struct {
	policies    *policy.Table
	store       Store
	history     *History
	breaker     *gobreaker.CircuitBreaker[Outcome]
	logger      *slog.Logger
	onViolation ViolationFunc
	throttled   atomic.Bool
}

func NewLimiter(policies *policy.Table, store Store, history *History, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		policies: policies,
		store:    store,
		history:  history,
		logger:   logger,
	}
	l.breaker = gobreaker.NewCircuitBreaker[Outcome](gobreaker.Settings{
		Name:    "ratelimit-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store breaker state change", "breaker", name,
				"from", from.String(), "to", to.String())
		},
	})
	return l
}

// OnViolation registers the violation hook. Must be called before traffic.
func (l *Limiter) OnViolation(fn ViolationFunc) { l.onViolation = fn }

// SetAttackThrottle tightens limiting while a coordinated attack is active:
// effective quotas are halved and quota denials report COORDINATED_ATTACK.
func (l *Limiter) SetAttackThrottle(active bool) {
	l.throttled.Store(active)
	if active {
		metrics.AttackActive.Set(1)
	} else {
		metrics.AttackActive.Set(0)
	}
}

// Check runs the checkLimit algorithm for one identifier and endpoint
// category. It never propagates a store error: the policy's fail mode
// decides the outcome when the store is unavailable.
func (l *Limiter) Check(identifier, category string) Result {
	start := time.Now()
	defer func() {
		metrics.CheckDuration.Observe(time.Since(start).Seconds())
	}()

	now := start
	if identifier == "" {
		identifier = SentinelIdentifier
	}
	pol, _ := l.policies.Resolve(category)

	attack := l.throttled.Load()
	effective := pol
	if attack {
		effective.MaxRequests = pol.MaxRequests / 2
		if effective.MaxRequests < 1 {
			effective.MaxRequests = 1
		}
	}

	key := Key(identifier, category)
	source := SourceKey(identifier)

	out, err := l.breaker.Execute(func() (Outcome, error) {
		return l.checkStore(key, source, now, effective)
	})
	if err != nil {
		return l.failResult(category, pol, now, err)
	}

	switch {
	case out.Exceeded:
		duration := l.history.NextBlockDuration(source, now, pol)
		until := now.Add(duration)
		if err := l.store.Block(key, until); err != nil {
			l.logger.Error("block failed", "key", key, "err", err)
		}
		if l.onViolation != nil {
			l.onViolation(identifier, category)
		}
		reason := common.ReasonRateLimitExceeded
		if attack {
			reason = common.ReasonCoordinatedAttack
		}
		metrics.ChecksTotal.WithLabelValues(category, "denied").Inc()
		metrics.DenialsTotal.WithLabelValues(category, string(reason)).Inc()
		l.logger.Info("rate limit exceeded", "key", key, "category", category,
			"count", out.Count, "blocked_for", duration)
		return Result{
			Allowed:    false,
			Limit:      effective.MaxRequests,
			Remaining:  0,
			ResetAt:    until,
			RetryAfter: duration,
			Blocked:    true,
			Reason:     reason,
		}

	case !out.Allowed:
		retry := out.BlockedUntil.Sub(now)
		metrics.ChecksTotal.WithLabelValues(category, "denied").Inc()
		metrics.DenialsTotal.WithLabelValues(category, string(common.ReasonBlocked)).Inc()
		return Result{
			Allowed:    false,
			Limit:      effective.MaxRequests,
			Remaining:  0,
			ResetAt:    out.BlockedUntil,
			RetryAfter: retry,
			Blocked:    true,
			Reason:     common.ReasonBlocked,
		}

	default:
		remaining := effective.MaxRequests - out.Count
		if remaining < 0 {
			remaining = 0
		}
		metrics.ChecksTotal.WithLabelValues(category, "allowed").Inc()
		return Result{
			Allowed:   true,
			Limit:     effective.MaxRequests,
			Remaining: remaining,
			ResetAt:   out.ResetAt,
		}
	}
}

// CheckRequest applies multi-identifier mode: the IP bucket is checked
// first to protect the pre-authentication surface, then the authenticated
// user bucket. Either denial short-circuits the other.
func (l *Limiter) CheckRequest(ip, userID, category string) Result {
	if ip == "" && userID != "" {
		return l.Check(userID, category)
	}
	res := l.Check(ip, category)
	if !res.Allowed || userID == "" {
		return res
	}
	return l.Check(userID, category)
}

// RecordViolation registers an externally observed violation (for example a
// repeated auth failure reported by the auth collaborator) against the
// identifier's lockout history.
func (l *Limiter) RecordViolation(identifier string, reason common.DenyReason) {
	if identifier == "" {
		identifier = SentinelIdentifier
	}
	now := time.Now()
	source := SourceKey(identifier)
	l.history.RecordLockout(source, now)
	l.logger.Info("violation recorded", "source", source, "reason", string(reason))
}

// checkStore shields callers from a panicking store implementation; the
// breaker sees the panic as an ordinary failure.
func (l *Limiter) checkStore(key, source string, now time.Time, pol policy.Policy) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panic: %v", r)
		}
	}()
	return l.store.CheckAndIncrement(key, source, now, pol)
}

// failResult applies the category's configured fail mode when the store is
// unavailable. The choice is per policy, never decided at a call site.
func (l *Limiter) failResult(category string, pol policy.Policy, now time.Time, cause error) Result {
	mode := string(pol.FailMode)
	metrics.StoreFailures.WithLabelValues(category, mode).Inc()
	l.logger.Error("store unavailable", "category", category, "mode", mode, "err", cause)

	if pol.FailMode == policy.FailClosed {
		metrics.ChecksTotal.WithLabelValues(category, "denied").Inc()
		metrics.DenialsTotal.WithLabelValues(category, string(common.ReasonRateLimitExceeded)).Inc()
		return Result{
			Allowed:    false,
			Limit:      pol.MaxRequests,
			Remaining:  0,
			ResetAt:    now.Add(pol.Window),
			RetryAfter: pol.Window,
			Reason:     common.ReasonRateLimitExceeded,
		}
	}
	metrics.ChecksTotal.WithLabelValues(category, "allowed").Inc()
	return Result{
		Allowed:   true,
		Limit:     pol.MaxRequests,
		Remaining: 0,
		ResetAt:   now.Add(pol.Window),
	}
}
