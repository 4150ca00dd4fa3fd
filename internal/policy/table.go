package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FailMode decides what checkLimit returns when the counter store is
// unavailable: sensitive endpoints deny, general endpoints allow.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// DefaultCategory is the fallback table entry used for unknown endpoint
// categories.
const DefaultCategory = "default"

// Policy holds the rate limit parameters for one endpoint category.
// Durations are typed and validated at load time, never parsed per call.
type Policy struct {
	Window        time.Duration `koanf:"window"`
	MaxRequests   int           `koanf:"max_requests"`
	BlockDuration time.Duration `koanf:"block_duration"`
	Progressive   bool          `koanf:"progressive"`
	FailMode      FailMode      `koanf:"fail_mode"`
}

func (p Policy) validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive, got %d", p.MaxRequests)
	}
	if p.BlockDuration <= 0 {
		return fmt.Errorf("block_duration must be positive, got %s", p.BlockDuration)
	}
	switch p.FailMode {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("fail_mode must be %q or %q, got %q", FailOpen, FailClosed, p.FailMode)
	}
	return nil
}

// Table maps endpoint categories to policies. It is immutable after New
// except through Add. Unknown categories resolve to the default entry and
// are warned about once, not per call.
type Table struct {
	mu       sync.RWMutex
	policies map[string]Policy
	warned   map[string]struct{}
	logger   *slog.Logger
}

// Defaults returns the built-in seed table. Sensitive categories fail
// closed, general traffic fails open.
func Defaults() map[string]Policy {
	return map[string]Policy{
		"auth": {
			Window:        15 * time.Minute,
			MaxRequests:   5,
			BlockDuration: 30 * time.Minute,
			Progressive:   true,
			FailMode:      FailClosed,
		},
		"admin": {
			Window:        time.Minute,
			MaxRequests:   30,
			BlockDuration: 15 * time.Minute,
			Progressive:   true,
			FailMode:      FailClosed,
		},
		"api": {
			Window:        time.Minute,
			MaxRequests:   100,
			BlockDuration: 5 * time.Minute,
			Progressive:   true,
			FailMode:      FailOpen,
		},
		"public": {
			Window:        time.Minute,
			MaxRequests:   300,
			BlockDuration: time.Minute,
			Progressive:   false,
			FailMode:      FailOpen,
		},
		DefaultCategory: {
			Window:        time.Minute,
			MaxRequests:   60,
			BlockDuration: 5 * time.Minute,
			Progressive:   true,
			FailMode:      FailOpen,
		},
	}
}

// New builds a table from the given policies. A default entry is required;
// callers normally pass Defaults() merged with config overrides.
func New(policies map[string]Policy, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := policies[DefaultCategory]; !ok {
		return nil, fmt.Errorf("policy table requires a %q entry", DefaultCategory)
	}
	t := &Table{
		policies: make(map[string]Policy, len(policies)),
		warned:   make(map[string]struct{}),
		logger:   logger,
	}
	for category, p := range policies {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", category, err)
		}
		t.policies[category] = p
	}
	return t, nil
}

// Resolve returns the policy for the category, falling back to the default
// entry. The second return reports whether the category had its own entry.
func (t *Table) Resolve(category string) (Policy, bool) {
	t.mu.RLock()
	p, ok := t.policies[category]
	if ok {
		t.mu.RUnlock()
		return p, true
	}
	def := t.policies[DefaultCategory]
	_, alreadyWarned := t.warned[category]
	t.mu.RUnlock()

	if !alreadyWarned {
		t.mu.Lock()
		if _, dup := t.warned[category]; !dup {
			t.warned[category] = struct{}{}
			t.logger.Warn("unknown endpoint category, using default policy", "category", category)
		}
		t.mu.Unlock()
	}
	return def, false
}

// Add installs or replaces the policy for a category.
func (t *Table) Add(category string, p Policy) error {
	if category == "" {
		return fmt.Errorf("category must not be empty")
	}
	if err := p.validate(); err != nil {
		return fmt.Errorf("policy %q: %w", category, err)
	}
	t.mu.Lock()
	t.policies[category] = p
	delete(t.warned, category)
	t.mu.Unlock()
	t.logger.Info("policy added", "category", category,
		"window", p.Window, "max_requests", p.MaxRequests, "fail_mode", p.FailMode)
	return nil
}

// Categories returns the configured category names.
func (t *Table) Categories() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.policies))
	for c := range t.policies {
		out = append(out, c)
	}
	return out
}
