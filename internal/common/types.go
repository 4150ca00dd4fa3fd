package common

// ThreatClass represents different categories of threats detected in request
// payloads and violation events.
type ThreatClass string

const (
	ThreatSQLInjection     ThreatClass = "sql_injection"
	ThreatXSS              ThreatClass = "xss"
	ThreatPathTraversal    ThreatClass = "path_traversal"
	ThreatCommandInjection ThreatClass = "command_injection"
	ThreatNoSQLInjection   ThreatClass = "nosql_injection"
	ThreatLDAPInjection    ThreatClass = "ldap_injection"

	// Event classes reported by collaborators rather than the analyzer.
	ThreatPrivilegeEscalation ThreatClass = "privilege_escalation"
	ThreatDataAccessViolation ThreatClass = "data_access_violation"
	ThreatAuthFailure         ThreatClass = "auth_failure"
	ThreatRateLimitExceeded   ThreatClass = "rate_limit_exceeded"
)

// Severity denotes the severity of a violation event or incident.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// DenyReason is the machine-readable reason attached to every denial,
// distinct from transport-layer errors.
type DenyReason string

const (
	ReasonNone              DenyReason = ""
	ReasonRateLimitExceeded DenyReason = "RATE_LIMIT_EXCEEDED"
	ReasonBlocked           DenyReason = "BLOCKED"
	ReasonCoordinatedAttack DenyReason = "COORDINATED_ATTACK"
)
