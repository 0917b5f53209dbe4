package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vincentbai/browsetrace-recorder/internal/config"
	"github.com/vincentbai/browsetrace-recorder/internal/decision"
	"github.com/vincentbai/browsetrace-recorder/internal/metadata"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"github.com/vincentbai/browsetrace-recorder/internal/session"
	"github.com/vincentbai/browsetrace-recorder/internal/storage"
	"go.uber.org/zap"
)

// ErrExport is returned when a session document cannot be serialized.
var ErrExport = errors.New("session export failed")

// Options configure a Recorder. Capturer may be nil.
type Options struct {
	Recorder config.RecorderConfig
	Scoring  config.ScoringConfig
	Capture  metadata.Options
	Capturer metadata.Capturer
}

// OptionsFromConfig maps the application config onto recorder options.
func OptionsFromConfig(cfg *config.Config, capturer metadata.Capturer) Options {
	return Options{
		Recorder: cfg.Recorder,
		Scoring:  cfg.Scoring,
		Capture: metadata.Options{
			Concurrency:   cfg.Capture.Concurrency,
			RatePerSecond: cfg.Capture.RatePerSecond,
			Timeout:       cfg.Capture.Timeout,
		},
		Capturer: capturer,
	}
}

type enriched struct {
	seq  uint64
	gen  uint64
	ec   models.EventContext
	skip bool
}

type mutation struct {
	gen   uint64
	batch models.MutationBatch
}

type lastDecision struct {
	recordID string
	summary  string
	kind     models.EventKind
	decision models.Decision
}

// Recorder is one recording session. It owns the metadata collector, the
// decision engine, the session context and the record store, and it is the
// only writer to any of them.
type Recorder struct {
	logger    *zap.Logger
	cfg       config.RecorderConfig
	collector *metadata.Collector
	engine    *decision.Engine
	session   *session.Context
	store     *storage.Store

	events    *Feed[models.RawEventPayload]
	mutations *Feed[models.MutationBatch]

	now   func() time.Time
	newID func() string

	// mu serializes lifecycle transitions with submission and finalization.
	mu         sync.Mutex
	closed     bool
	generation uint64
	cancels    []func()
	submitted  uint64
	mutSent    uint64
	last       *lastDecision

	enrichedCh chan enriched
	mutationCh chan mutation

	pmu      sync.Mutex
	done     uint64
	mutDone  uint64
	progress chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a recorder in the idle state and starts its background
// finalizer and structural observer. Call Close to stop them.
func New(logger *zap.Logger, opts Options) *Recorder {
	queue := opts.Recorder.QueueSize
	if queue <= 0 {
		queue = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		logger:     logger.Named("recorder"),
		cfg:        opts.Recorder,
		collector:  metadata.NewCollector(logger, opts.Capturer, opts.Capture),
		engine:     decision.NewEngine(logger, opts.Scoring, decision.ThresholdsFromConfig(opts.Recorder)),
		session:    session.NewContext(),
		store:      storage.NewStore(opts.Recorder.BufferCapacity),
		events:     NewFeed[models.RawEventPayload](),
		mutations:  NewFeed[models.MutationBatch](),
		now:        time.Now,
		newID:      uuid.NewString,
		enrichedCh: make(chan enriched, queue),
		mutationCh: make(chan mutation, queue),
		progress:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	r.logger.Info("Recorder created.",
		zap.Int("buffer_capacity", r.store.Capacity()),
		zap.Bool("visual_capture", r.collector.CaptureAvailable()))

	r.wg.Add(2)
	go r.finalizeLoop()
	go r.observeLoop()
	return r
}

// Events is the raw event source the session listens to while observing.
func (r *Recorder) Events() *Feed[models.RawEventPayload] { return r.events }

// Mutations is the structural-change notifier stream.
func (r *Recorder) Mutations() *Feed[models.MutationBatch] { return r.mutations }

// State returns the lifecycle state.
func (r *Recorder) State() session.State { return r.session.State() }

// Start begins a new session from idle, or resumes a paused one. env is only
// used when a new session begins. Starting while observing changes nothing.
func (r *Recorder) Start(env models.EnvironmentSnapshot) session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.session.State()
	}

	now := r.now().UTC()
	switch prev := r.session.Start(now); prev {
	case session.StateIdle:
		env.SessionID = r.newID()
		env.StartedAt = now
		r.store.Clear()
		r.store.SetEnvironment(env)
		r.engine.Reset()
		r.last = nil
		r.attachLocked()
		r.statusLocked(now, "Session started.")
		r.logger.Info("Session started.", zap.String("session_id", env.SessionID), zap.String("url", env.URL))
	case session.StatePaused:
		r.attachLocked()
		r.statusLocked(now, "Session resumed.")
		r.logger.Info("Session resumed.")
	}
	return r.session.State()
}

// Pause stops listening. Events already in flight are discarded.
func (r *Recorder) Pause() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.session.Pause(); prev == session.StateObserving {
		r.detachLocked()
		r.statusLocked(r.now().UTC(), "Session paused.")
		r.logger.Info("Session paused.")
	}
	return r.session.State()
}

// Stop ends the session. Records stay available for export until the next
// Start.
func (r *Recorder) Stop() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.session.Stop(); prev != session.StateIdle {
		r.detachLocked()
		r.statusLocked(r.now().UTC(), "Session stopped.")
		r.logger.Info("Session stopped.", zap.Int("records", r.store.Len()))
	}
	return r.session.State()
}

// ClearSession empties records and insights. The environment snapshot and
// lifecycle state are kept.
func (r *Recorder) ClearSession() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.Clear()
	r.last = nil
	r.logger.Info("Session cleared.")
	return r.session.State()
}

// attachLocked subscribes to both sources. A new generation starts so that
// anything submitted before the last detach is recognized as stale.
func (r *Recorder) attachLocked() {
	r.generation++
	r.cancels = append(r.cancels,
		r.events.Subscribe(r.submit),
		r.mutations.Subscribe(r.notify),
	)
}

func (r *Recorder) detachLocked() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

func (r *Recorder) statusLocked(at time.Time, msg string) {
	r.store.AddInsight(models.Insight{Timestamp: at, Type: models.InsightStatus, Message: msg})
}

// submit is the raw event subscriber. It never blocks on enrichment.
func (r *Recorder) submit(payload models.RawEventPayload) {
	r.mu.Lock()
	if r.closed || r.session.State() != session.StateObserving {
		r.mu.Unlock()
		return
	}
	seq, gen := r.submitted, r.generation
	r.submitted++
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.deliver(r.enrich(seq, gen, payload))
	}()
}

func (r *Recorder) enrich(seq, gen uint64, payload models.RawEventPayload) (out enriched) {
	out = enriched{seq: seq, gen: gen, skip: true}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Event processing panicked.", zap.Any("panic", rec), zap.String("target", payload.Event.TargetID))
			r.addInsight(models.Insight{
				Timestamp: r.now().UTC(),
				Type:      models.InsightEnrichment,
				Message:   fmt.Sprintf("Event on %q could not be processed: %v", payload.Event.TargetID, rec),
			})
		}
	}()
	ec := r.collector.Collect(payload)
	ec = r.collector.Enrich(r.ctx, ec)
	return enriched{seq: seq, gen: gen, ec: ec}
}

func (r *Recorder) deliver(e enriched) {
	select {
	case r.enrichedCh <- e:
	case <-r.ctx.Done():
	}
}

func (r *Recorder) addInsight(in models.Insight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.AddInsight(in)
}

// finalizeLoop is the single consumer that reorders enriched events by
// arrival sequence and finalizes them one at a time.
func (r *Recorder) finalizeLoop() {
	defer r.wg.Done()
	pending := make(map[uint64]enriched)
	var next uint64
	for {
		select {
		case <-r.ctx.Done():
			return
		case e := <-r.enrichedCh:
			pending[e.seq] = e
			for {
				p, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if !p.skip {
					r.finalize(p)
				}
				next++
				r.advance(func() { r.done = next })
			}
		}
	}
}

func (r *Recorder) finalize(p enriched) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.State() != session.StateObserving || p.gen != r.generation {
		r.logger.Debug("Discarded event finalized after the session left observing.",
			zap.Uint64("seq", p.seq), zap.String("kind", string(p.ec.Event.Kind)))
		return
	}

	ec := p.ec
	at := ec.Event.Time()
	since, first := r.session.Gap(at)
	d := r.engine.Decide(ec, decision.Gap{Since: since, First: first})
	change := r.session.Update(ec, d)
	summary := metadata.TargetSummary(ec.Descriptor, ec.Text)

	var recordID string
	if d.Persist() {
		rec := models.Record{
			ID:            r.newID(),
			Timestamp:     at,
			EventType:     ec.Event.Kind,
			TargetSummary: summary,
			TextContent:   ec.Text,
			Value:         ec.MaskedValue,
			URL:           ec.Event.URL,
			Metadata:      ec.Descriptor,
			Screenshot:    ec.Capture,
			CaptureNote:   ec.CaptureNote,
			Reason:        d.Reason,
			Score:         d.Score,
			Anomaly:       d.Anomaly,
			Context: models.RecordContext{
				DensityDecision:  d.DensityDecision,
				WorkflowStage:    change.WorkflowStage,
				IntentHypothesis: change.Intent,
			},
		}
		if evicted := r.store.Append(rec); evicted != "" {
			r.logger.Debug("Evicted oldest record.", zap.String("record_id", evicted))
		}
		recordID = rec.ID
	}
	r.last = &lastDecision{recordID: recordID, summary: summary, kind: ec.Event.Kind, decision: d}

	if ec.CaptureErr != nil {
		r.store.AddInsight(models.Insight{
			Timestamp: at,
			Type:      models.InsightEnrichment,
			Message:   fmt.Sprintf("Visual capture failed for %s: %v", summary, ec.CaptureErr),
			RecordID:  recordID,
		})
	}
	if d.Anomaly.Active {
		r.store.AddInsight(models.Insight{
			Timestamp: at,
			Type:      models.InsightAnomaly,
			Message:   fmt.Sprintf("%s anomaly: %s", d.Anomaly.Type, d.Anomaly.Details),
			RecordID:  recordID,
		})
		r.logger.Info("Anomaly detected.",
			zap.String("type", string(d.Anomaly.Type)),
			zap.String("details", d.Anomaly.Details))
	}
}

// notify is the structural-change subscriber. Batches are handed to the
// observer goroutine and never touch the decision path.
func (r *Recorder) notify(b models.MutationBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.session.State() != session.StateObserving {
		return
	}
	select {
	case r.mutationCh <- mutation{gen: r.generation, batch: b}:
		r.mutSent++
	default:
		r.logger.Warn("Structural change queue full, dropping batch.", zap.String("type", b.Type), zap.Int("count", b.Count))
	}
}

func (r *Recorder) observeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case m := <-r.mutationCh:
			r.observe(m)
			r.advance(func() { r.mutDone++ })
		}
	}
}

func (r *Recorder) observe(m mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.State() != session.StateObserving || m.gen != r.generation {
		return
	}

	b := m.batch
	var msg string
	switch {
	case b.Type == "" || b.Count < 0:
		msg = fmt.Sprintf("Structural observer delivered a malformed batch (type %q, count %d).", b.Type, b.Count)
		r.logger.Warn("Malformed structural change batch.", zap.String("type", b.Type), zap.Int("count", b.Count))
	case b.Count >= r.cfg.MutationBulkThreshold:
		msg = fmt.Sprintf("Bulk interface change: %d %s mutations in one batch.", b.Count, b.Type)
	default:
		return
	}
	r.store.AddInsight(models.Insight{Timestamp: r.now().UTC(), Type: models.InsightObservation, Message: msg})
}

// advance applies fn to the progress counters and wakes Flush waiters.
func (r *Recorder) advance(fn func()) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	fn()
	close(r.progress)
	r.progress = make(chan struct{})
}

// Flush waits until every event and structural batch submitted so far has
// been finalized.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	events, batches := r.submitted, r.mutSent
	r.mu.Unlock()

	for {
		r.pmu.Lock()
		caughtUp := r.done >= events && r.mutDone >= batches
		wait := r.progress
		r.pmu.Unlock()
		if caughtUp {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return errors.New("recorder closed")
		}
	}
}

// Export returns the session document.
func (r *Recorder) Export() models.ExportDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Export(r.now())
}

// ExportJSON serializes the session document. Failures wrap ErrExport.
func (r *Recorder) ExportJSON() (models.ExportDocument, []byte, error) {
	doc := r.Export()
	data, err := storage.Encode(doc)
	if err != nil {
		r.logger.Error("Failed to export session.", zap.Error(err))
		return doc, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	return doc, data, nil
}

// Snapshot returns the session context counters.
func (r *Recorder) Snapshot() session.Snapshot {
	return r.session.Snapshot()
}

// Close detaches every source and stops the background goroutines. Events
// still in flight are dropped.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.detachLocked()
		r.mu.Unlock()

		r.cancel()
		r.wg.Wait()
		r.logger.Debug("Recorder closed.")
	})
}
