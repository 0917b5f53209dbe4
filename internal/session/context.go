package session

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/vincentbai/browsetrace-recorder/internal/models"
)

// State is the lifecycle state of a recording session.
type State string

const (
	StateIdle      State = "idle"
	StateObserving State = "observing"
	StatePaused    State = "paused"
)

var transactionalPattern = regexp.MustCompile(`(?i)\b(checkout|check out|purchase|buy|pay|payment|place order|order now)\b`)

type PageTransition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

type WorkflowStage struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Snapshot is a copy of the rolling context at one point in time.
type Snapshot struct {
	StartTime        time.Time        `json:"startTime"`
	LastEventTime    time.Time        `json:"lastEventTime"`
	EventCount       int              `json:"eventCount"`
	HighValueCount   int              `json:"highValueCount"`
	PageTransitions  []PageTransition `json:"pageTransitions"`
	WorkflowStages   []WorkflowStage  `json:"workflowStages"`
	IntentHypothesis models.Intent    `json:"intentHypothesis"`
}

// Change is what a single Update call produced.
type Change struct {
	WorkflowStage *string
	Intent        models.Intent
}

// Context accumulates counters, workflow markers and the intent hypothesis.
// It also carries the session's lifecycle state.
type Context struct {
	mu    sync.Mutex
	state State
	snap  Snapshot
}

func NewContext() *Context {
	return &Context{state: StateIdle, snap: Snapshot{IntentHypothesis: models.IntentExploration}}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start moves to observing. Counters reset only when leaving idle, with at
// as the new start time; starting while observing is a no-op. It returns the
// previous state.
func (c *Context) Start(at time.Time) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	switch prev {
	case StateIdle:
		c.snap = Snapshot{StartTime: at.UTC(), IntentHypothesis: models.IntentExploration}
		c.state = StateObserving
	case StatePaused:
		c.state = StateObserving
	}
	return prev
}

// Pause moves observing to paused. Other states are unchanged.
func (c *Context) Pause() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	if prev == StateObserving {
		c.state = StatePaused
	}
	return prev
}

// Stop moves any state to idle.
func (c *Context) Stop() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = StateIdle
	return prev
}

// Gap returns the time between the last processed event and ts. first is
// true when nothing has been processed since the session started.
func (c *Context) Gap(ts time.Time) (since time.Duration, first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.EventCount == 0 {
		return 0, true
	}
	since = ts.Sub(c.snap.LastEventTime)
	if since < 0 {
		since = 0
	}
	return since, false
}

// Update folds one processed event into the context, whether or not it was
// persisted.
func (c *Context) Update(ec models.EventContext, d models.Decision) Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := ec.Event.Time()
	c.snap.EventCount++
	if ts.After(c.snap.LastEventTime) {
		c.snap.LastEventTime = ts
	}
	if d.ShouldRecord {
		c.snap.HighValueCount++
	}

	var u Change
	switch ec.Event.Kind {
	case models.KindSubmit:
		stage := fmt.Sprintf("submit-%d", len(c.snap.WorkflowStages)+1)
		if ec.Text != "" {
			stage += ":" + ec.Text
		}
		c.snap.WorkflowStages = append(c.snap.WorkflowStages, WorkflowStage{Name: stage, At: ts})
		c.snap.IntentHypothesis = models.IntentTaskCompletion
		u.WorkflowStage = &stage
	case models.KindClick:
		if transactionalPattern.MatchString(ec.Text) {
			c.snap.IntentHypothesis = models.IntentTransactional
		}
	}

	if nav := ec.Navigation; nav != nil && nav.To != "" && nav.To != nav.From {
		c.snap.PageTransitions = append(c.snap.PageTransitions, PageTransition{From: nav.From, To: nav.To, At: ts})
	}

	u.Intent = c.snap.IntentHypothesis
	return u
}

// Snapshot returns a copy of the rolling context.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap
	s.PageTransitions = append([]PageTransition(nil), c.snap.PageTransitions...)
	s.WorkflowStages = append([]WorkflowStage(nil), c.snap.WorkflowStages...)
	return s
}
