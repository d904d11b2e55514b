package llm

import (
	"regexp"
	"strings"
)

// Severity is the fire severity stated in an analysis.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityNone
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityExtreme
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// Trivial reports whether s is low enough to skip the phone call. Unknown
// severity is not trivial.
func (s Severity) Trivial() bool {
	return s == SeverityNone || s == SeverityLow
}

var severityWords = map[string]Severity{
	"none":       SeverityNone,
	"negligible": SeverityNone,
	"minimal":    SeverityNone,
	"low":        SeverityLow,
	"minor":      SeverityLow,
	"medium":     SeverityMedium,
	"moderate":   SeverityMedium,
	"high":       SeverityHigh,
	"severe":     SeverityHigh,
	"extreme":    SeverityExtreme,
	"critical":   SeverityExtreme,
}

var severityPattern = regexp.MustCompile(`(?i)severity(?:\s+level)?[\s*:_\-]*\b(none|negligible|minimal|low|minor|medium|moderate|high|severe|extreme|critical)\b`)

// ParseSeverity extracts the first stated severity level from an analysis.
func ParseSeverity(analysis string) Severity {
	m := severityPattern.FindStringSubmatch(analysis)
	if m == nil {
		return SeverityUnknown
	}
	return severityWords[strings.ToLower(m[1])]
}
