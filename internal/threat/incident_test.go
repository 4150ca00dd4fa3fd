package threat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitgate/internal/audit"
	"limitgate/internal/common"
)

func TestOpenSetsEscalationBySeverity(t *testing.T) {
	log := NewIncidentLog(audit.Discard{}, nil)

	low := log.Open("rate_spike", common.SeverityLow, "10.0.0.1", nil)
	assert.False(t, low.Escalated)

	med := log.Open("scanner", common.SeverityMedium, "10.0.0.2", nil)
	assert.False(t, med.Escalated)

	high := log.Open("auth_failure_burst", common.SeverityHigh, "10.0.0.3", nil)
	assert.True(t, high.Escalated)

	crit := log.Open("risk_threshold_exceeded", common.SeverityCritical, "10.0.0.4",
		[]string{"sql_injection"})
	assert.True(t, crit.Escalated)
	assert.Equal(t, []string{"sql_injection"}, crit.Evidence)
	assert.Equal(t, StatusOpen, crit.Status)
	assert.NotEmpty(t, crit.ID)
}

func TestLifecycleTransitions(t *testing.T) {
	log := NewIncidentLog(audit.Discard{}, nil)
	inc := log.Open("auth_failure_burst", common.SeverityHigh, "10.0.0.1", nil)

	// RESOLVED is only reachable through CONTAINED.
	require.Error(t, log.Resolve(inc.ID))

	require.NoError(t, log.Contain(inc.ID))
	got, ok := log.Get(inc.ID)
	require.True(t, ok)
	assert.Equal(t, StatusContained, got.Status)

	require.Error(t, log.Contain(inc.ID), "already contained")

	require.NoError(t, log.Resolve(inc.ID))
	got, _ = log.Get(inc.ID)
	assert.Equal(t, StatusResolved, got.Status)

	require.Error(t, log.Resolve(inc.ID), "already resolved")
	require.Error(t, log.Contain(inc.ID), "resolved incidents stay resolved")
}

func TestTransitionUnknownIncident(t *testing.T) {
	log := NewIncidentLog(audit.Discard{}, nil)
	assert.Error(t, log.Contain("missing"))
	assert.Error(t, log.Resolve("missing"))
}

func TestListFiltersByStatus(t *testing.T) {
	log := NewIncidentLog(audit.Discard{}, nil)
	a := log.Open("a", common.SeverityLow, "", nil)
	b := log.Open("b", common.SeverityHigh, "", nil)
	require.NoError(t, log.Contain(b.ID))

	assert.Len(t, log.List(""), 2)

	open := log.List(StatusOpen)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)

	contained := log.List(StatusContained)
	require.Len(t, contained, 1)
	assert.Equal(t, b.ID, contained[0].ID)

	assert.Empty(t, log.List(StatusResolved))
}
