package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"limitgate/internal/engine"
)

// SweepService runs the engine's periodic eviction pass. It satisfies
// suture.Service so a panicking sweep is restarted instead of silently
// leaving counters to grow forever.
type SweepService struct {
	engine   *engine.Engine
	interval time.Duration
}

func NewSweepService(eng *engine.Engine, interval time.Duration) *SweepService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepService{engine: eng, interval: interval}
}

func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.engine.Sweep()
		}
	}
}

func (s *SweepService) String() string { return "sweep" }

// New builds the supervision tree for the background tasks: the sweep
// loop and the coordinated attack detector.
func New(eng *engine.Engine, sweepInterval time.Duration, logger *slog.Logger) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logger}
	root := suture.New("limitgate", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
	})
	root.Add(NewSweepService(eng, sweepInterval))
	root.Add(eng.Detector())
	return root
}
