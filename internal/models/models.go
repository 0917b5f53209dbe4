package models

import (
	"strings"
	"time"
)

type EventKind string

const (
	KindClick    EventKind = "click"
	KindInput    EventKind = "input"
	KindChange   EventKind = "change"
	KindSubmit   EventKind = "submit"
	KindFocus    EventKind = "focus"
	KindBlur     EventKind = "blur"
	KindHover    EventKind = "hover"
	KindNavigate EventKind = "navigate"
)

var validEventKinds = map[EventKind]bool{
	KindClick:    true,
	KindInput:    true,
	KindChange:   true,
	KindSubmit:   true,
	KindFocus:    true,
	KindBlur:     true,
	KindHover:    true,
	KindNavigate: true,
}

// Valid reports whether k is one of the interaction kinds the source emits.
func (k EventKind) Valid() bool {
	return validEventKinds[k]
}

// RawEvent is an immutable snapshot of one interaction as emitted by the page.
type RawEvent struct {
	Kind     EventKind    `json:"kind"`
	TSUTC    int64        `json:"ts_utc"` // milliseconds since epoch
	TargetID string       `json:"target_id"`
	URL      string       `json:"url,omitempty"`
	Value    string       `json:"value,omitempty"` // raw input value, masked before it is stored
	Device   DeviceDetail `json:"device"`
}

// Time returns the event timestamp in UTC.
func (e RawEvent) Time() time.Time {
	return time.UnixMilli(e.TSUTC).UTC()
}

type DeviceDetail struct {
	Pointer string `json:"pointer,omitempty"` // mouse|touch|pen
	Button  int    `json:"button,omitempty"`
	Key     string `json:"key,omitempty"`
	Alt     bool   `json:"alt,omitempty"`
	Ctrl    bool   `json:"ctrl,omitempty"`
	Shift   bool   `json:"shift,omitempty"`
	Meta    bool   `json:"meta,omitempty"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the rectangle's area, zero for degenerate rectangles.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PathSegment is one step of the chain from the document root to the target.
type PathSegment struct {
	Tag   string `json:"tag"`
	Index int    `json:"index"` // 1-based position among same-tag siblings
	ID    string `json:"id,omitempty"`
}

type SiblingFacts struct {
	Tag       string   `json:"tag"`
	ClassList []string `json:"class_list,omitempty"`
}

// ElementFacts is what the element inspection facility reports about a target.
type ElementFacts struct {
	Tag                string            `json:"tag"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	ClassList          []string          `json:"class_list,omitempty"`
	Text               string            `json:"text,omitempty"`
	Label              string            `json:"label,omitempty"`
	Rect               Rect              `json:"rect"`
	Viewport           Viewport          `json:"viewport"`
	Path               []PathSegment     `json:"path,omitempty"`
	ParentTag          string            `json:"parent_tag,omitempty"`
	Siblings           []SiblingFacts    `json:"siblings,omitempty"`
	AncestorIDs        []string          `json:"ancestor_ids,omitempty"`
	CenterHitID        string            `json:"center_hit_id,omitempty"`
	CenterHitAncestors []string          `json:"center_hit_ancestors,omitempty"`
}

// Attr returns the attribute value, or "" when absent.
func (f ElementFacts) Attr(name string) string {
	if f.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(f.Attributes[name])
}

// Navigation describes a page transition carried by an event.
type Navigation struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RawEventPayload is one entry of an ingestion batch: the event and the
// inspection facts gathered for its target at capture time.
type RawEventPayload struct {
	Event      RawEvent     `json:"event"`
	Element    ElementFacts `json:"element"`
	Navigation *Navigation  `json:"navigation,omitempty"`
}

type Batch struct {
	Events []RawEventPayload `json:"events"`
}

// MutationBatch is one notification from the structural-change notifier.
type MutationBatch struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type MutationBatches struct {
	Batches []MutationBatch `json:"batches"`
}

type Locator struct {
	Strategy string `json:"strategy"` // id|test_id|name|path
	Value    string `json:"value"`
}

const (
	LocatorID     = "id"
	LocatorTestID = "test_id"
	LocatorName   = "name"
	LocatorPath   = "path"
)

// ElementDescriptor is the normalized, scorable view of an event target.
type ElementDescriptor struct {
	Tag               string   `json:"tag"`
	Role              string   `json:"role"`
	Interactive       bool     `json:"interactive"`
	Depth             int      `json:"depth"`
	Rect              Rect     `json:"rect"`
	VisibilityRatio   float64  `json:"visibilityRatio"`
	Obstructed        bool     `json:"obstructed"`
	ParentSummary     string   `json:"parentSummary,omitempty"`
	SiblingSummary    string   `json:"siblingSummary,omitempty"`
	Locator           Locator  `json:"locator"`
	IdenticalSiblings int      `json:"identicalSiblings"`
	ClassList         []string `json:"classList,omitempty"`
	Hints             string   `json:"hints,omitempty"`
}

// Capture is an encoded image of the target. Data is base64 in JSON.
type Capture struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// EventContext is built once per event and passed by value through the pipeline.
type EventContext struct {
	Event       RawEvent
	Descriptor  ElementDescriptor
	Text        string
	MaskedValue string
	Navigation  *Navigation
	Capture     *Capture
	CaptureNote string
	CaptureErr  error // set when the capture facility failed or panicked
}

type Density string

const (
	DensityHigh   Density = "high"
	DensityNormal Density = "normal"
)

type Action string

const (
	ActionRecord    Action = "record"
	ActionThrottle  Action = "throttle"
	ActionEncourage Action = "encourage"
)

type DensityDecision struct {
	Density       Density `json:"density"`
	Action        Action  `json:"action"`
	TimeSinceLast int64   `json:"timeSinceLast"` // milliseconds, -1 for the first event
}

type AnomalyType string

const (
	AnomalyNone  AnomalyType = "none"
	AnomalyIdle  AnomalyType = "idle"
	AnomalySpike AnomalyType = "spike"
)

type Anomaly struct {
	Type    AnomalyType `json:"type"`
	Active  bool        `json:"active"`
	Details string      `json:"details,omitempty"`
}

// Signal is one weighted contribution to a significance score.
type Signal struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type Decision struct {
	Score           float64         `json:"score"`
	Threshold       float64         `json:"threshold"`
	ShouldRecord    bool            `json:"shouldRecord"`
	Reason          string          `json:"reason"`
	Signals         []Signal        `json:"signals,omitempty"`
	DensityDecision DensityDecision `json:"densityDecision"`
	Anomaly         Anomaly         `json:"anomaly"`
}

// Persist reports whether the decision allows the event into the record buffer.
func (d Decision) Persist() bool {
	return d.ShouldRecord && d.DensityDecision.Action != ActionThrottle
}

type Intent string

const (
	IntentExploration    Intent = "exploration"
	IntentTransactional  Intent = "transactional"
	IntentTaskCompletion Intent = "task_completion"
)

type RecordContext struct {
	DensityDecision  DensityDecision `json:"densityDecision"`
	WorkflowStage    *string         `json:"workflowStage"`
	IntentHypothesis Intent          `json:"intentHypothesis"`
}

// Record is the only entity written into the ring buffer.
type Record struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	EventType     EventKind         `json:"eventType"`
	TargetSummary string            `json:"targetSummary"`
	TextContent   string            `json:"textContent"`
	Value         string            `json:"value,omitempty"`
	URL           string            `json:"url,omitempty"`
	Metadata      ElementDescriptor `json:"metadata"`
	Screenshot    *Capture          `json:"screenshot"`
	CaptureNote   string            `json:"captureNote,omitempty"`
	Reason        string            `json:"reason"`
	Score         float64           `json:"score"`
	Anomaly       Anomaly           `json:"anomaly"`
	Context       RecordContext     `json:"context"`
}

type InsightType string

const (
	InsightStatus      InsightType = "status"
	InsightAnomaly     InsightType = "anomaly"
	InsightFeedback    InsightType = "feedback"
	InsightObservation InsightType = "observation"
	InsightEnrichment  InsightType = "enrichment"
)

type Insight struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      InsightType `json:"type"`
	Message   string      `json:"message"`
	RecordID  string      `json:"recordId,omitempty"`
}

type NavigationTiming struct {
	DOMContentLoadedMs int64 `json:"domContentLoadedMs,omitempty"`
	LoadMs             int64 `json:"loadMs,omitempty"`
}

// EnvironmentSnapshot is captured once when a session starts.
type EnvironmentSnapshot struct {
	SessionID string           `json:"sessionId"`
	StartedAt time.Time        `json:"startedAt"`
	URL       string           `json:"url,omitempty"`
	UserAgent string           `json:"userAgent,omitempty"`
	Locale    string           `json:"locale,omitempty"`
	Timezone  string           `json:"timezone,omitempty"`
	Viewport  Viewport         `json:"viewport"`
	Timing    NavigationTiming `json:"navigationTiming"`
}

type ExportDocument struct {
	Version     string              `json:"version"`
	GeneratedAt time.Time           `json:"generatedAt"`
	Environment EnvironmentSnapshot `json:"environment"`
	Records     []Record            `json:"records"`
	Insights    []Insight           `json:"insights"`
}
