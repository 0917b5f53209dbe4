package decision

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vincentbai/browsetrace-recorder/internal/config"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"go.uber.org/zap"
)

var (
	criticalRoles   = map[string]bool{"button": true, "link": true, "input": true, "select": true, "textarea": true, "form": true}
	highImpactRoles = map[string]bool{"dialog": true, "alert": true, "navigation": true, "banner": true}

	actionPattern    = regexp.MustCompile(`(?i)\b(save|submit|apply|confirm|checkout)\b`)
	dismissPattern   = regexp.MustCompile(`(?i)\b(cancel|close)\b`)
	sensitivePattern = regexp.MustCompile(`(?i)(password|email|username|search|address)`)
	dangerPattern    = regexp.MustCompile(`(?i)(danger|warning|error)`)
)

// Thresholds are the sampling and anomaly knobs of the engine.
type Thresholds struct {
	MinScore         float64
	BurstThreshold   float64
	SamplingInterval time.Duration
	IdleWindow       time.Duration
	IdleThreshold    time.Duration
	SpikeThreshold   int
	HistorySize      int
}

// ThresholdsFromConfig maps the recorder section onto engine thresholds.
func ThresholdsFromConfig(cfg config.RecorderConfig) Thresholds {
	return Thresholds{
		MinScore:         cfg.MinScore,
		BurstThreshold:   cfg.BurstThreshold,
		SamplingInterval: cfg.SamplingInterval,
		IdleWindow:       cfg.IdleWindow,
		IdleThreshold:    cfg.IdleThreshold,
		SpikeThreshold:   cfg.SpikeThreshold,
		HistorySize:      cfg.HistorySize,
	}
}

// Gap is the time since the previously processed event. First is set when
// there was no previous event in the session.
type Gap struct {
	Since time.Duration
	First bool
}

// Engine scores events and owns the rolling score history and the focus
// keyword registry of one session.
type Engine struct {
	logger  *zap.Logger
	weights config.ScoringConfig
	limits  Thresholds

	mu       sync.Mutex
	history  []float64
	keywords map[string]float64
}

func NewEngine(logger *zap.Logger, weights config.ScoringConfig, limits Thresholds) *Engine {
	if limits.HistorySize <= 0 {
		limits.HistorySize = 20
	}
	return &Engine{
		logger:   logger.Named("decision"),
		weights:  weights,
		limits:   limits,
		keywords: make(map[string]float64),
	}
}

// Decide produces the decision for one event and folds its score into the
// rolling history. Calls must be serialized in event arrival order.
func (e *Engine) Decide(ec models.EventContext, gap Gap) models.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	score, signals := e.scoreLocked(ec)
	threshold := math.Max(e.limits.MinScore, adaptiveThreshold(e.history, e.weights))
	e.pushLocked(score)

	d := models.Decision{
		Score:           score,
		Threshold:       threshold,
		ShouldRecord:    score >= threshold,
		Signals:         signals,
		DensityDecision: e.density(score, gap),
		Anomaly:         e.anomaly(ec, gap),
	}
	d.Reason = Reason(d, ec.Text)

	e.logger.Debug("Scored event.",
		zap.String("kind", string(ec.Event.Kind)),
		zap.Float64("score", score),
		zap.Float64("threshold", threshold),
		zap.String("action", string(d.DensityDecision.Action)),
		zap.Bool("persist", d.Persist()))
	return d
}

// Score computes the significance score without touching the history.
func (e *Engine) Score(ec models.EventContext) (float64, []models.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scoreLocked(ec)
}

func (e *Engine) scoreLocked(ec models.EventContext) (float64, []models.Signal) {
	w := e.weights
	desc := ec.Descriptor
	text := ec.Text
	var signals []models.Signal
	add := func(name string, weight float64) {
		signals = append(signals, models.Signal{Name: name, Weight: weight})
	}

	if criticalRoles[desc.Role] || criticalRoles[desc.Tag] {
		add("critical role "+desc.Role, w.CriticalRole)
	}
	if highImpactRoles[desc.Role] {
		add("high-impact role "+desc.Role, w.HighImpactRole)
	}
	switch ec.Event.Kind {
	case models.KindSubmit, models.KindChange:
		add(string(ec.Event.Kind)+" event", w.CommitEvent)
	case models.KindClick:
		add("click event", w.ClickEvent)
	}
	if n := len([]rune(text)); n > 0 && n <= w.ShortTextMaxLen {
		add("concise text", w.ShortText)
	}
	if m := actionPattern.FindString(text); m != "" {
		add("action keyword "+strings.ToLower(m), w.ActionKeyword)
	} else if m := dismissPattern.FindString(text); m != "" {
		add("dismiss keyword "+strings.ToLower(m), w.DismissKeyword)
	}

	lowerText := strings.ToLower(text)
	terms := make([]string, 0, len(e.keywords))
	for term := range e.keywords {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		if strings.Contains(lowerText, term) || strings.Contains(desc.Hints, term) {
			add("focus keyword "+term, e.keywords[term])
		}
	}

	if sensitivePattern.MatchString(desc.Hints) {
		add("sensitive field", w.SensitiveField)
	}
	for _, class := range desc.ClassList {
		if dangerPattern.MatchString(class) {
			add("danger class "+class, w.DangerClass)
			break
		}
	}
	if desc.VisibilityRatio < w.VisibilityCutoff || desc.Obstructed {
		add("low visibility", -w.LowVisibility)
	}
	if desc.Interactive {
		add("interactive", w.Interactive)
	}
	if bonus := math.Min(w.DepthMax, float64(desc.Depth)*w.DepthPerLevel); bonus > 0 {
		add("depth", bonus)
	}

	total := 0.0
	for _, s := range signals {
		total += s.Weight
	}
	return clamp(total, 0, 1), signals
}

func (e *Engine) pushLocked(score float64) {
	e.history = append(e.history, score)
	if over := len(e.history) - e.limits.HistorySize; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
}

// AdaptiveThreshold reports the current rolling-average threshold.
func (e *Engine) AdaptiveThreshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return adaptiveThreshold(e.history, e.weights)
}

func adaptiveThreshold(history []float64, w config.ScoringConfig) float64 {
	avg := 0.0
	if len(history) > 0 {
		for _, s := range history {
			avg += s
		}
		avg /= float64(len(history))
	}
	return clamp(avg*w.AdaptiveFactor, w.AdaptiveFloor, w.AdaptiveCeiling)
}

func (e *Engine) density(score float64, gap Gap) models.DensityDecision {
	d := models.DensityDecision{Density: models.DensityNormal, Action: models.ActionRecord, TimeSinceLast: -1}
	if score >= e.limits.BurstThreshold {
		d.Density = models.DensityHigh
	}
	if gap.First {
		return d
	}
	d.TimeSinceLast = gap.Since.Milliseconds()
	switch {
	case d.Density == models.DensityHigh && gap.Since < e.limits.SamplingInterval:
		d.Action = models.ActionThrottle
	case gap.Since > e.limits.IdleWindow:
		d.Action = models.ActionEncourage
	}
	return d
}

// anomaly reports at most one anomaly per event; idle is checked first.
func (e *Engine) anomaly(ec models.EventContext, gap Gap) models.Anomaly {
	if !gap.First && gap.Since > e.limits.IdleThreshold {
		return models.Anomaly{
			Type:    models.AnomalyIdle,
			Active:  true,
			Details: fmt.Sprintf("no interaction for %s", gap.Since.Round(time.Second)),
		}
	}
	if ec.Event.Kind == models.KindClick && ec.Descriptor.IdenticalSiblings >= e.limits.SpikeThreshold {
		return models.Anomaly{
			Type:    models.AnomalySpike,
			Active:  true,
			Details: fmt.Sprintf("click on one of %d structurally identical siblings", ec.Descriptor.IdenticalSiblings+1),
		}
	}
	return models.Anomaly{Type: models.AnomalyNone}
}

// UpsertKeyword registers term with weight, replacing any previous weight.
func (e *Engine) UpsertKeyword(term string, weight float64) (replaced bool) {
	term = NormalizeKeyword(term)
	e.mu.Lock()
	defer e.mu.Unlock()
	_, replaced = e.keywords[term]
	e.keywords[term] = weight
	return replaced
}

// Keywords returns the registered focus keywords.
func (e *Engine) Keywords() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.keywords))
	for k, v := range e.keywords {
		out[k] = v
	}
	return out
}

// NormalizeKeyword lowercases and trims a focus keyword.
func NormalizeKeyword(term string) string {
	return strings.ToLower(strings.Join(strings.Fields(term), " "))
}

// Reset clears the rolling history. Focus keywords survive.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
