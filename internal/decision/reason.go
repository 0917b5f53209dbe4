package decision

import (
	"fmt"
	"strings"

	"github.com/vincentbai/browsetrace-recorder/internal/models"
)

const reasonTextLimit = 40

// Reason renders the ordered, deterministic explanation of a decision:
// score against threshold, contributing signals, text excerpt, sampling
// note, anomaly note.
func Reason(d models.Decision, text string) string {
	var parts []string

	cmp := "<"
	if d.ShouldRecord {
		cmp = ">="
	}
	parts = append(parts, fmt.Sprintf("score %.2f %s threshold %.2f", d.Score, cmp, d.Threshold))

	if len(d.Signals) > 0 {
		signals := make([]string, 0, len(d.Signals))
		for _, s := range d.Signals {
			signals = append(signals, fmt.Sprintf("%s %+.2f", s.Name, s.Weight))
		}
		parts = append(parts, "signals: "+strings.Join(signals, ", "))
	}

	if text != "" {
		excerpt := []rune(text)
		if len(excerpt) > reasonTextLimit {
			excerpt = append(excerpt[:reasonTextLimit], '…')
		}
		parts = append(parts, fmt.Sprintf("text %q", string(excerpt)))
	}

	switch d.DensityDecision.Action {
	case models.ActionThrottle:
		parts = append(parts, fmt.Sprintf("throttled: high-density burst %dms after previous event", d.DensityDecision.TimeSinceLast))
	case models.ActionEncourage:
		parts = append(parts, fmt.Sprintf("encouraged: deliberate interaction after %dms pause", d.DensityDecision.TimeSinceLast))
	}

	if d.Anomaly.Active {
		parts = append(parts, fmt.Sprintf("anomaly %s: %s", d.Anomaly.Type, d.Anomaly.Details))
	}
	return strings.Join(parts, "; ")
}
