package ratelimit

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitgate/internal/common"
	"limitgate/internal/policy"
)

func newTestTable(t *testing.T, policies map[string]policy.Policy) *policy.Table {
	t.Helper()
	if _, ok := policies[policy.DefaultCategory]; !ok {
		policies[policy.DefaultCategory] = policy.Policy{
			Window:        time.Minute,
			MaxRequests:   60,
			BlockDuration: 5 * time.Minute,
			FailMode:      policy.FailOpen,
		}
	}
	table, err := policy.New(policies, slog.Default())
	require.NoError(t, err)
	return table
}

func newTestLimiter(t *testing.T, policies map[string]policy.Policy) *Limiter {
	t.Helper()
	table := newTestTable(t, policies)
	return NewLimiter(table, NewMemoryStore(10*time.Minute), NewHistory(), slog.Default())
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 5, BlockDuration: 5 * time.Minute,
			Progressive: true, FailMode: policy.FailOpen},
	})

	for i := 0; i < 5; i++ {
		res := l.Check("1.2.3.4", "api")
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, 4-i, res.Remaining)
		assert.False(t, res.ResetAt.IsZero())
	}
}

func TestCheckDeniesAndBlocksOverLimit(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 3, BlockDuration: 5 * time.Minute,
			Progressive: true, FailMode: policy.FailOpen},
	})

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("1.2.3.4", "api").Allowed)
	}

	// First offense escalates from zero prior lockouts, so the block is the
	// base duration.
	res := l.Check("1.2.3.4", "api")
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, common.ReasonRateLimitExceeded, res.Reason)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 5*time.Minute, res.RetryAfter)

	// While blocked, further requests are denied without counting.
	res = l.Check("1.2.3.4", "api")
	assert.False(t, res.Allowed)
	assert.Equal(t, common.ReasonBlocked, res.Reason)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// Other identifiers are unaffected.
	assert.True(t, l.Check("5.6.7.8", "api").Allowed)
}

func TestAllowedAfterBlockExpires(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 1, BlockDuration: 20 * time.Millisecond,
			FailMode: policy.FailOpen},
	})

	require.True(t, l.Check("1.2.3.4", "api").Allowed)
	require.False(t, l.Check("1.2.3.4", "api").Allowed)

	// The window is still live when the block lapses; the next request must
	// be admitted against a fresh count.
	time.Sleep(50 * time.Millisecond)
	res := l.Check("1.2.3.4", "api")
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestEmptyIdentifierSharesSentinelBucket(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 2, BlockDuration: time.Minute,
			FailMode: policy.FailOpen},
	})

	require.True(t, l.Check("", "api").Allowed)
	require.True(t, l.Check(SentinelIdentifier, "api").Allowed)
	assert.False(t, l.Check("", "api").Allowed)
}

func TestConcurrentChecksAdmitExactlyLimit(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 100, BlockDuration: 5 * time.Minute,
			Progressive: true, FailMode: policy.FailOpen},
	})

	const workers = 1000
	var allowed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if l.Check("1.2.3.4", "api").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
}

func TestOnViolationHookFires(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 1, BlockDuration: time.Minute,
			FailMode: policy.FailOpen},
	})

	var gotIdentifier, gotCategory string
	l.OnViolation(func(identifier, category string) {
		gotIdentifier = identifier
		gotCategory = category
	})

	require.True(t, l.Check("1.2.3.4", "api").Allowed)
	require.False(t, l.Check("1.2.3.4", "api").Allowed)

	assert.Equal(t, "1.2.3.4", gotIdentifier)
	assert.Equal(t, "api", gotCategory)
}

func TestAttackThrottleHalvesQuota(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute,
			FailMode: policy.FailOpen},
	})
	l.SetAttackThrottle(true)

	for i := 0; i < 5; i++ {
		res := l.Check("1.2.3.4", "api")
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 5, res.Limit)
	}
	res := l.Check("1.2.3.4", "api")
	assert.False(t, res.Allowed)
	assert.Equal(t, common.ReasonCoordinatedAttack, res.Reason)

	l.SetAttackThrottle(false)
	res = l.Check("9.9.9.9", "api")
	assert.True(t, res.Allowed)
	assert.Equal(t, 10, res.Limit)
}

func TestCheckRequestChecksIPThenUser(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 2, BlockDuration: time.Minute,
			FailMode: policy.FailOpen},
	})

	// Both buckets consume on an allowed request.
	res := l.CheckRequest("1.2.3.4", "user42", "api")
	assert.True(t, res.Allowed)

	// Exhaust the IP bucket; the user bucket must not be charged for the
	// short-circuited denials.
	require.True(t, l.Check("1.2.3.4", "api").Allowed)
	require.False(t, l.CheckRequest("1.2.3.4", "user42", "api").Allowed)
	require.False(t, l.CheckRequest("1.2.3.4", "user42", "api").Allowed)

	res = l.Check("user42", "api")
	assert.True(t, res.Allowed, "user bucket had one charge, not three")
	assert.Equal(t, 0, res.Remaining)
}

func TestCheckRequestUserOnly(t *testing.T) {
	l := newTestLimiter(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 1, BlockDuration: time.Minute,
			FailMode: policy.FailOpen},
	})

	assert.True(t, l.CheckRequest("", "user42", "api").Allowed)
	assert.False(t, l.CheckRequest("", "user42", "api").Allowed)
}

// failingStore simulates an unavailable backend.
type failingStore struct{}

func (failingStore) CheckAndIncrement(string, string, time.Time, policy.Policy) (Outcome, error) {
	return Outcome{}, errors.New("backend unavailable")
}
func (failingStore) Block(string, time.Time) error      { return nil }
func (failingStore) Get(string) (WindowState, bool)     { return WindowState{}, false }
func (failingStore) Sweep(time.Time) int                { return 0 }
func (failingStore) TotalsSince(time.Time) (int64, int) { return 0, 0 }

// panickingStore exercises the recover path.
type panickingStore struct{}

func (panickingStore) CheckAndIncrement(string, string, time.Time, policy.Policy) (Outcome, error) {
	panic("store corrupted")
}
func (panickingStore) Block(string, time.Time) error      { return nil }
func (panickingStore) Get(string) (WindowState, bool)     { return WindowState{}, false }
func (panickingStore) Sweep(time.Time) int                { return 0 }
func (panickingStore) TotalsSince(time.Time) (int64, int) { return 0, 0 }

func TestFailModesOnStoreFailure(t *testing.T) {
	policies := map[string]policy.Policy{
		"auth": {Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 30 * time.Minute,
			FailMode: policy.FailClosed},
		"api": {Window: time.Minute, MaxRequests: 100, BlockDuration: 5 * time.Minute,
			FailMode: policy.FailOpen},
	}
	table := newTestTable(t, policies)
	l := NewLimiter(table, failingStore{}, NewHistory(), slog.Default())

	res := l.Check("1.2.3.4", "auth")
	assert.False(t, res.Allowed, "sensitive categories fail closed")
	assert.Equal(t, common.ReasonRateLimitExceeded, res.Reason)
	assert.Equal(t, 15*time.Minute, res.RetryAfter)

	res = l.Check("1.2.3.4", "api")
	assert.True(t, res.Allowed, "general categories fail open")
	assert.Equal(t, 0, res.Remaining)
}

func TestStorePanicIsContained(t *testing.T) {
	table := newTestTable(t, map[string]policy.Policy{
		"api": {Window: time.Minute, MaxRequests: 100, BlockDuration: 5 * time.Minute,
			FailMode: policy.FailOpen},
	})
	l := NewLimiter(table, panickingStore{}, NewHistory(), slog.Default())

	assert.NotPanics(t, func() {
		res := l.Check("1.2.3.4", "api")
		assert.True(t, res.Allowed)
	})
}
