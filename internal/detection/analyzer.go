package detection

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/willf/bloom"

	"limitgate/internal/common"
	"limitgate/internal/metrics"
)

// maxPayloadBytes caps how much of a payload the analyzer inspects, bounding
// regex cost against pathological inputs.
const maxPayloadBytes = 10000

// probeMeta is the character set that makes a payload worth a full scan.
// Payloads without any of these and without a known keyword token skip the
// regex table entirely.
const probeMeta = "<>|;&$`'\"%(){}\\*="

type probe struct {
	name  string
	regex *regexp.Regexp
}

// classOrder fixes the iteration order so Classify output is deterministic.
var classOrder = []common.ThreatClass{
	common.ThreatSQLInjection,
	common.ThreatXSS,
	common.ThreatPathTraversal,
	common.ThreatCommandInjection,
	common.ThreatNoSQLInjection,
	common.ThreatLDAPInjection,
}

var probeConfigs = map[common.ThreatClass][]string{
	common.ThreatSQLInjection: {
		`(?i)('\s*(or|and)\b|\b(or|and)\b\s+\d+\s*=\s*\d+|'\s*=\s*')`,
		`(?i)(\bunion\b.{0,20}\bselect\b|\bselect\b.{0,40}\bfrom\b|\binformation_schema\b)`,
		`(?i)(\bsleep\s*\(|\bbenchmark\s*\(|\bpg_sleep\s*\()`,
		`(?i)(\bdrop\s+table\b|\bdelete\s+from\b|\binsert\s+into\b|'\s*;\s*--|--\s*$)`,
	},
	common.ThreatXSS: {
		`(?i)<\s*script\b`,
		`(?i)(javascript|vbscript)\s*:`,
		`(?i)\bon(error|load|click|focus|mouseover|submit)\s*=`,
		`(?i)(<\s*iframe\b|document\.cookie|<\s*img\b[^>]{0,100}\bonerror\b)`,
	},
	common.ThreatPathTraversal: {
		`\.\./|\.\.\\`,
		`(?i)%2e%2e(%2f|%5c|/|\\)`,
		`(?i)(/etc/passwd|/etc/shadow|/proc/self|boot\.ini|win\.ini)`,
	},
	common.ThreatCommandInjection: {
		`(?i)[;&|]\s*(wget|curl|nc|ncat|bash|sh|cmd|powershell|cat|ls|id|whoami|uname)\b`,
		"`[^`]+`|\\$\\([^)]+\\)",
		`(?i)\|\s*(cat|ls|id|whoami|uname)\b`,
	},
	common.ThreatNoSQLInjection: {
		`(?i)["']?\$(where|ne|gt|gte|lt|lte|regex|nin|exists|or|and)["']?\s*:`,
		`(?i)\bdb\.\w+\.(find|remove|drop)\s*\(`,
	},
	common.ThreatLDAPInjection: {
		`\)\s*\(\s*[|&]|\(\s*[|&]\s*\(|\*\)\s*\(`,
		`(?i)\((cn|uid|objectclass)\s*=\s*\*`,
		`%00`,
	},
}

// keywordTokens seed the bloom filter used for the fast negative path: a
// payload whose words hit none of these, and which carries no probe
// metacharacters, cannot match any probe group.
var keywordTokens = []string{
	"select", "union", "insert", "drop", "delete", "sleep", "benchmark",
	"information_schema", "pg_sleep",
	"script", "javascript", "vbscript", "iframe", "img", "onerror", "onload",
	"onclick", "onfocus", "onmouseover", "onsubmit", "document", "cookie",
	"etc", "passwd", "shadow", "proc", "self", "boot", "win",
	"wget", "curl", "nc", "ncat", "bash", "sh", "cmd", "powershell",
	"cat", "ls", "id", "whoami", "uname",
	"where", "ne", "gt", "gte", "lt", "lte", "regex", "nin", "exists",
	"db", "find", "remove", "cn", "uid", "objectclass",
}

// Analyzer is the stateless payload classifier. All probe groups are
// compiled once at construction; Classify never mutates shared state.
type Analyzer struct {
	probes map[common.ThreatClass][]probe
	tokens *bloom.BloomFilter
	logger *slog.Logger
}

func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Analyzer{
		probes: make(map[common.ThreatClass][]probe, len(probeConfigs)),
		tokens: bloom.New(100000, 5),
		logger: logger,
	}
	for class, patterns := range probeConfigs {
		for _, p := range patterns {
			a.probes[class] = append(a.probes[class], probe{name: string(class), regex: regexp.MustCompile(p)})
		}
	}
	for _, tok := range keywordTokens {
		a.tokens.Add([]byte(tok))
	}
	return a
}

// Classify returns the set of threat classes matched by the payload, sorted
// in a fixed class order. A payload may match several classes; no match
// yields nil. Oversized input is truncated, empty input returns nil, and no
// input can make Classify panic.
func (a *Analyzer) Classify(payload string) []common.ThreatClass {
	if payload == "" {
		return nil
	}
	if len(payload) > maxPayloadBytes {
		a.logger.Debug("payload truncated for classification",
			"size", len(payload), "cap", maxPayloadBytes)
		payload = payload[:maxPayloadBytes]
	}

	if !a.worthScanning(payload) {
		return nil
	}

	var matched []common.ThreatClass
	for _, class := range classOrder {
		for _, p := range a.probes[class] {
			if p.regex.MatchString(payload) {
				matched = append(matched, class)
				metrics.ClassificationsTotal.WithLabelValues(string(class)).Inc()
				break
			}
		}
	}
	return matched
}

// worthScanning is the bloom-backed pre-screen: probe metacharacters force a
// full scan, otherwise at least one lowercase word must be a known trigger
// token.
func (a *Analyzer) worthScanning(payload string) bool {
	if strings.ContainsAny(payload, probeMeta) {
		return true
	}
	lower := strings.ToLower(payload)
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		if a.tokens.Test([]byte(word)) {
			return true
		}
	}
	return false
}
