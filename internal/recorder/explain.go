package recorder

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vincentbai/browsetrace-recorder/internal/decision"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"github.com/vincentbai/browsetrace-recorder/internal/session"
)

const (
	helpMessage = `Ask "why" for the last decision, "summary" for session stats, "anomalies" for the anomaly history or "keywords" for the focus list. ` +
		`Send "feedback: <text>" to leave feedback or "focus on <term> [weight]" to prioritise a keyword.`
	emptyFeedbackMessage = `Feedback is empty. Describe what the recorder got right or wrong, for example "feedback: the coupon field matters".`
	emptyKeywordMessage  = `Keyword term is empty. Use "focus on <term> [weight]", for example "focus on checkout 0.2".`
	recentAnomalies      = 5
)

// ExplainDecision describes why the record with the given id was kept.
func (r *Recorder) ExplainDecision(id string) string {
	id = strings.TrimSpace(id)
	rec, ok := r.store.Find(id)
	if !ok {
		return fmt.Sprintf("No record found with id %q. It may have been evicted or cleared.", id)
	}
	return explainRecord(rec)
}

func explainRecord(rec models.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Record %s (%s on %s) was kept: %s. Intent: %s.",
		rec.ID, rec.EventType, rec.TargetSummary, rec.Reason, rec.Context.IntentHypothesis)
	if rec.Context.WorkflowStage != nil {
		fmt.Fprintf(&b, " Workflow stage: %s.", *rec.Context.WorkflowStage)
	}
	if rec.Anomaly.Active {
		fmt.Fprintf(&b, " Anomaly: %s (%s).", rec.Anomaly.Type, rec.Anomaly.Details)
	}
	return b.String()
}

// Ask answers a free-text question. Feedback and focus commands are
// dispatched as if RecordFeedback or AddPriorityKeyword had been called.
func (r *Recorder) Ask(question string) string {
	switch cmd := ParseCommand(question).(type) {
	case Feedback:
		return r.RecordFeedback(cmd.Text)
	case FocusKeyword:
		return r.AddPriorityKeyword(cmd.Term, cmd.Weight)
	case Query:
		switch cmd.Kind {
		case QueryLastDecision:
			return r.explainLast()
		case QuerySummary:
			return r.summary()
		case QueryAnomalies:
			return r.anomalyHistory()
		case QueryKeywords:
			return r.keywordList()
		}
	}
	return helpMessage
}

// RecordFeedback appends a feedback insight. Scoring is not affected.
func (r *Recorder) RecordFeedback(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return emptyFeedbackMessage
	}
	r.addInsight(models.Insight{Timestamp: r.now().UTC(), Type: models.InsightFeedback, Message: text})
	r.logger.Info("Feedback recorded.")
	return "Feedback recorded. It is kept in the session log and does not change scoring."
}

// AddPriorityKeyword registers or re-weights a focus keyword.
func (r *Recorder) AddPriorityKeyword(term string, weight float64) string {
	term = decision.NormalizeKeyword(term)
	if term == "" {
		return emptyKeywordMessage
	}
	if math.IsNaN(weight) || weight <= 0 || weight > 1 {
		return fmt.Sprintf("Keyword weight must be greater than 0 and at most 1, got %v. For example \"focus on %s 0.2\".", weight, term)
	}
	if replaced := r.engine.UpsertKeyword(term, weight); replaced {
		return fmt.Sprintf("Updated focus keyword %q to weight %.2f.", term, weight)
	}
	return fmt.Sprintf("Added focus keyword %q with weight %.2f.", term, weight)
}

func (r *Recorder) explainLast() string {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()

	if last == nil {
		return "No events have been processed yet."
	}
	if last.recordID != "" {
		if rec, ok := r.store.Find(last.recordID); ok {
			return explainRecord(rec)
		}
	}
	return fmt.Sprintf("Last event (%s on %s) was not recorded: %s.", last.kind, last.summary, last.decision.Reason)
}

func (r *Recorder) summary() string {
	state := r.session.State()
	snap := r.session.Snapshot()
	if snap.StartTime.IsZero() {
		return "No session has been started yet."
	}

	now := r.now()
	end := now
	if state != session.StateObserving && !snap.LastEventTime.IsZero() {
		end = snap.LastEventTime
	}
	duration := end.Sub(snap.StartTime)
	if duration < 0 {
		duration = 0
	}

	rate := 0.0
	if snap.EventCount > 0 {
		rate = float64(snap.HighValueCount) / float64(snap.EventCount) * 100
	}

	return fmt.Sprintf("Session %s, started %s, duration %s: %s events processed, %s records buffered, %.0f%% high-value, intent %s, %d page transitions, %d workflow stages.",
		state,
		humanize.RelTime(snap.StartTime, now, "ago", "from now"),
		duration.Round(time.Second),
		humanize.Comma(int64(snap.EventCount)),
		humanize.Comma(int64(r.store.Len())),
		rate,
		snap.IntentHypothesis,
		len(snap.PageTransitions),
		len(snap.WorkflowStages))
}

func (r *Recorder) anomalyHistory() string {
	anomalies := r.store.InsightsOfType(models.InsightAnomaly)
	if len(anomalies) == 0 {
		return "No anomalies detected in this session."
	}
	shown := anomalies
	if len(shown) > recentAnomalies {
		shown = shown[len(shown)-recentAnomalies:]
	}
	msgs := make([]string, 0, len(shown))
	for _, in := range shown {
		msgs = append(msgs, fmt.Sprintf("[%s] %s", in.Timestamp.Format(time.TimeOnly), in.Message))
	}
	return fmt.Sprintf("%d anomalies detected, most recent: %s", len(anomalies), strings.Join(msgs, "; "))
}

func (r *Recorder) keywordList() string {
	kw := r.engine.Keywords()
	if len(kw) == 0 {
		return `No focus keywords registered. Add one with "focus on <term> [weight]".`
	}
	terms := make([]string, 0, len(kw))
	for term := range kw {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		parts = append(parts, fmt.Sprintf("%s (%.2f)", term, kw[term]))
	}
	return "Focus keywords: " + strings.Join(parts, ", ") + "."
}
