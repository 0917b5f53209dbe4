package recorder

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultKeywordWeight is used when a focus command names no weight.
const DefaultKeywordWeight = 0.2

// Command is one parsed ask/feedback/focus instruction.
type Command interface {
	isCommand()
}

// QueryKind names the read-only question a Query asks.
type QueryKind int

const (
	QueryHelp QueryKind = iota
	QueryLastDecision
	QuerySummary
	QueryAnomalies
	QueryKeywords
)

// Query asks about the session without changing it.
type Query struct {
	Kind QueryKind
}

// Feedback is free text appended to the insight log.
type Feedback struct {
	Text string
}

// FocusKeyword registers or re-weights a scoring keyword.
type FocusKeyword struct {
	Term   string
	Weight float64
}

func (Query) isCommand()        {}
func (Feedback) isCommand()     {}
func (FocusKeyword) isCommand() {}

var (
	feedbackPrefix = regexp.MustCompile(`(?is)^feedback\s*:\s*(.*)$`)
	focusPattern   = regexp.MustCompile(`(?is)^focus(?:\s+on\b|\s*:)(.*?)(?:\s+(-?\d+(?:\.\d+)?))?$`)

	queryPatterns = []struct {
		kind    QueryKind
		pattern *regexp.Regexp
	}{
		{QueryAnomalies, regexp.MustCompile(`(?i)(anomal|idle|spike)`)},
		{QueryKeywords, regexp.MustCompile(`(?i)(keyword|focus)`)},
		{QuerySummary, regexp.MustCompile(`(?i)\b(summary|summari[sz]e|status|stats|progress)\b`)},
		{QueryLastDecision, regexp.MustCompile(`(?i)\b(why|explain|last|reason)\b`)},
	}
)

// ParseCommand turns free text into a command. Anything unrecognized is a
// help query.
func ParseCommand(input string) Command {
	text := strings.TrimSpace(input)

	if m := feedbackPrefix.FindStringSubmatch(text); m != nil {
		return Feedback{Text: strings.TrimSpace(m[1])}
	}
	if m := focusPattern.FindStringSubmatch(text); m != nil {
		cmd := FocusKeyword{Term: strings.TrimSpace(m[1]), Weight: DefaultKeywordWeight}
		if m[2] != "" {
			if w, err := strconv.ParseFloat(m[2], 64); err == nil {
				cmd.Weight = w
			}
		}
		return cmd
	}
	for _, q := range queryPatterns {
		if q.pattern.MatchString(text) {
			return Query{Kind: q.kind}
		}
	}
	return Query{Kind: QueryHelp}
}
