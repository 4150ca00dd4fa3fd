package supervisor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitgate/internal/audit"
	"limitgate/internal/engine"
	"limitgate/internal/policy"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	table, err := policy.New(policy.Defaults(), slog.Default())
	require.NoError(t, err)
	return engine.New(table, audit.Discard{}, slog.Default(), engine.Options{})
}

func TestSweepServiceStopsOnCancel(t *testing.T) {
	svc := NewSweepService(newTestEngine(t), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweep service did not stop")
	}
}

func TestTreeRunsAndShutsDown(t *testing.T) {
	tree := New(newTestEngine(t), time.Minute, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	errs := tree.ServeBackground(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
