package policy

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresDefaultEntry(t *testing.T) {
	_, err := New(map[string]Policy{
		"api": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute, FailMode: FailOpen},
	}, slog.Default())
	require.Error(t, err)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	cases := map[string]Policy{
		"zero window":   {Window: 0, MaxRequests: 10, BlockDuration: time.Minute, FailMode: FailOpen},
		"zero max":      {Window: time.Minute, MaxRequests: 0, BlockDuration: time.Minute, FailMode: FailOpen},
		"zero block":    {Window: time.Minute, MaxRequests: 10, BlockDuration: 0, FailMode: FailOpen},
		"bad fail mode": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute, FailMode: "maybe"},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			m := Defaults()
			m["bad"] = p
			_, err := New(m, slog.Default())
			assert.Error(t, err)
		})
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	table, err := New(Defaults(), slog.Default())
	require.NoError(t, err)

	p, ok := table.Resolve("auth")
	assert.True(t, ok)
	assert.Equal(t, 5, p.MaxRequests)
	assert.Equal(t, FailClosed, p.FailMode)

	def, ok := table.Resolve("no-such-category")
	assert.False(t, ok)
	assert.Equal(t, 60, def.MaxRequests)

	// Repeated resolution of the same unknown category keeps working.
	again, ok := table.Resolve("no-such-category")
	assert.False(t, ok)
	assert.Equal(t, def, again)
}

func TestAddInstallsAndReplaces(t *testing.T) {
	table, err := New(Defaults(), slog.Default())
	require.NoError(t, err)

	p := Policy{Window: 30 * time.Second, MaxRequests: 7, BlockDuration: time.Minute, FailMode: FailClosed}
	require.NoError(t, table.Add("webhooks", p))

	got, ok := table.Resolve("webhooks")
	assert.True(t, ok)
	assert.Equal(t, p, got)

	p.MaxRequests = 14
	require.NoError(t, table.Add("webhooks", p))
	got, _ = table.Resolve("webhooks")
	assert.Equal(t, 14, got.MaxRequests)

	assert.Error(t, table.Add("", p))
	assert.Error(t, table.Add("broken", Policy{}))
}
