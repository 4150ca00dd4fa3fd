package threat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"limitgate/internal/audit"
	"limitgate/internal/common"
	"limitgate/internal/metrics"
)

// IncidentStatus is the incident lifecycle state.
type IncidentStatus string

const (
	StatusOpen      IncidentStatus = "OPEN"
	StatusContained IncidentStatus = "CONTAINED"
	StatusResolved  IncidentStatus = "RESOLVED"
)

// Incident is a structured security incident. The engine only emits these;
// dispatching pages or notifications is the alerting collaborator's job.
type Incident struct {
	ID          string          `json:"id"`
	PatternName string          `json:"pattern_name"`
	Severity    common.Severity `json:"severity"`
	SourceID    string          `json:"source_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Evidence    []string        `json:"evidence,omitempty"`
	Status      IncidentStatus  `json:"status"`
	Escalated   bool            `json:"escalated"`
}

// IncidentLog holds incidents and enforces the OPEN -> CONTAINED -> RESOLVED
// state machine. RESOLVED is only ever reached through an explicit external
// call.
type IncidentLog struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
	sink      audit.Sink
	logger    *slog.Logger
}

func NewIncidentLog(sink audit.Sink, logger *slog.Logger) *IncidentLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncidentLog{
		incidents: make(map[string]*Incident),
		sink:      sink,
		logger:    logger,
	}
}

// Open creates an OPEN incident. HIGH and CRITICAL incidents are marked
// escalated for the external alerting collaborator.
func (l *IncidentLog) Open(patternName string, severity common.Severity, sourceID string, evidence []string) Incident {
	inc := &Incident{
		ID:          uuid.NewString(),
		PatternName: patternName,
		Severity:    severity,
		SourceID:    sourceID,
		Timestamp:   time.Now(),
		Evidence:    append([]string(nil), evidence...),
		Status:      StatusOpen,
		Escalated:   severity >= common.SeverityHigh,
	}
	l.mu.Lock()
	l.incidents[inc.ID] = inc
	l.mu.Unlock()

	metrics.IncidentsTotal.WithLabelValues(severity.String()).Inc()
	l.sink.Emit("incident_opened", severity, map[string]any{
		"incident_id": inc.ID,
		"pattern":     patternName,
		"source":      sourceID,
		"escalated":   inc.Escalated,
	})
	l.logger.Warn("incident opened", "id", inc.ID, "pattern", patternName,
		"severity", severity.String(), "source", sourceID)
	return *inc
}

// Contain transitions an OPEN incident to CONTAINED after the automated
// response has run.
func (l *IncidentLog) Contain(id string) error {
	return l.transition(id, StatusOpen, StatusContained, "incident_contained")
}

// Resolve transitions a CONTAINED incident to RESOLVED.
func (l *IncidentLog) Resolve(id string) error {
	return l.transition(id, StatusContained, StatusResolved, "incident_resolved")
}

func (l *IncidentLog) transition(id string, from, to IncidentStatus, event string) error {
	l.mu.Lock()
	inc, ok := l.incidents[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("incident %s not found", id)
	}
	if inc.Status != from {
		status := inc.Status
		l.mu.Unlock()
		return fmt.Errorf("incident %s is %s, cannot transition to %s", id, status, to)
	}
	inc.Status = to
	severity := inc.Severity
	l.mu.Unlock()

	l.sink.Emit(event, severity, map[string]any{"incident_id": id})
	return nil
}

// Get returns a copy of the incident.
func (l *IncidentLog) Get(id string) (Incident, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inc, ok := l.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return *inc, true
}

// List returns incidents, optionally filtered by status.
func (l *IncidentLog) List(status IncidentStatus) []Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Incident, 0, len(l.incidents))
	for _, inc := range l.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, *inc)
	}
	return out
}
