// Package detector consumes the ingest stream and turns log windows into
// deduplicated incident candidates via two lanes: fast pattern signals and a
// batched LLM classification.
package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/llm"
	"github.com/railwatch/railwatch/internal/metrics"
	"github.com/railwatch/railwatch/internal/models"
)

// DefaultBatchWindow is the tumbling window for the LLM lane.
const DefaultBatchWindow = 5 * time.Second

// llmTriggerScore: the window must contain at least one event at or above
// this severity score before the LLM lane fires.
const llmTriggerScore = 4

// sinkFlushSize bounds how many events accumulate before a buffer write.
const sinkFlushSize = 100

// IncidentStore is the persistence dependency.
type IncidentStore interface {
	UpsertIncident(ctx context.Context, candidate models.Candidate) (*models.Incident, models.UpsertOutcome, error)
}

// PolicyProvider resolves per-service settings, creating defaults on first
// observation.
type PolicyProvider interface {
	PolicyFor(ctx context.Context, serviceID, serviceName string) (models.ServicePolicy, error)
}

// EventSink receives batches of ingested events for short-term buffering, so
// recent raw logs survive a restart and can back dashboard queries.
type EventSink interface {
	InsertLogEvents(ctx context.Context, events []models.LogEvent) error
}

type serviceState struct {
	window         *Window
	serviceName    string
	environmentID  string
	batchScheduled bool
	llmInFlight    bool
	pendingTrigger bool
}

// Detector runs the two-lane classification over per-service windows.
type Detector struct {
	ingest   <-chan models.LogEvent
	store    IncidentStore
	policies PolicyProvider
	router   *llm.Router
	bus      *broker.Broker
	logger   *slog.Logger

	windowSize  int
	batchWindow time.Duration
	llmTimeout  time.Duration
	now         func() time.Time

	runCtx context.Context

	mu       sync.Mutex
	services map[string]*serviceState
	sink     EventSink
	sinkBuf  []models.LogEvent
	wg       sync.WaitGroup
}

// New constructs a detector. The router may be nil when no LLM provider is
// configured; classification then falls back to the pattern lane.
func New(ingest <-chan models.LogEvent, store IncidentStore, policies PolicyProvider, router *llm.Router, bus *broker.Broker, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		ingest:      ingest,
		store:       store,
		policies:    policies,
		router:      router,
		bus:         bus,
		logger:      logger.With(slog.String("component", "detector")),
		windowSize:  DefaultWindowSize,
		batchWindow: DefaultBatchWindow,
		llmTimeout:  30 * time.Second,
		now:         time.Now,
		services:    make(map[string]*serviceState),
	}
}

// SetBatchWindow overrides the LLM tumbling window (used by tests and config).
func (d *Detector) SetBatchWindow(w time.Duration) {
	if w > 0 {
		d.batchWindow = w
	}
}

// SetWindowSize overrides the sliding window bound.
func (d *Detector) SetWindowSize(n int) {
	if n > 0 {
		d.windowSize = n
	}
}

// SetEventSink enables short-term log event buffering. Events are written in
// batches; the remainder flushes on shutdown.
func (d *Detector) SetEventSink(sink EventSink) { d.sink = sink }

// Run consumes the ingest channel until ctx is cancelled, then flushes any
// scheduled batches with a bounded deadline.
func (d *Detector) Run(ctx context.Context) error {
	d.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			d.flush()
			d.flushSink()
			d.wg.Wait()
			return nil
		case event := <-d.ingest:
			d.Handle(event)
		}
	}
}

// Handle processes one event: update the window, run the pattern lane, and
// arm the LLM batch when warranted. Exported for tests and direct feeding.
func (d *Detector) Handle(event models.LogEvent) {
	if event.ServiceID == "" {
		return
	}
	now := d.now()

	d.mu.Lock()
	st, ok := d.services[event.ServiceID]
	if !ok {
		st = &serviceState{window: NewWindow(d.windowSize)}
		d.services[event.ServiceID] = st
	}
	if event.ServiceName != "" {
		st.serviceName = event.ServiceName
	}
	if event.EnvironmentID != "" {
		st.environmentID = event.EnvironmentID
	}
	st.window.Add(event)
	events := st.window.Events()
	serviceName, environmentID := st.serviceName, st.environmentID
	d.mu.Unlock()

	metrics.ObserveLogEvent(event.Level.String())
	d.bufferEvent(event)

	pattern := EvaluatePatterns(events, now)

	// The pattern lane escalates critical findings immediately; everything
	// else waits for the batched lane.
	if pattern != nil && pattern.Severity == models.SeverityCritical {
		d.persist(d.runContext(), candidateFromPattern(event.ServiceID, serviceName, environmentID, pattern, events))
	}

	if event.SeverityScore >= llmTriggerScore && (pattern == nil || pattern.Severity != models.SeverityCritical) {
		d.armBatch(event.ServiceID)
	}
}

func (d *Detector) armBatch(serviceID string) {
	d.mu.Lock()
	st := d.services[serviceID]
	if st == nil || st.batchScheduled {
		d.mu.Unlock()
		return
	}
	st.batchScheduled = true
	d.mu.Unlock()

	d.wg.Add(1)
	time.AfterFunc(d.batchWindow, func() {
		defer d.wg.Done()
		d.runBatch(serviceID)
	})
}

// runBatch is the LLM lane, single-flight per service: a trigger that lands
// while a classification is in progress is coalesced into one follow-up.
func (d *Detector) runBatch(serviceID string) {
	d.mu.Lock()
	st := d.services[serviceID]
	if st == nil {
		d.mu.Unlock()
		return
	}
	st.batchScheduled = false
	if st.llmInFlight {
		st.pendingTrigger = true
		d.mu.Unlock()
		return
	}
	events := st.window.Events()
	serviceName, environmentID := st.serviceName, st.environmentID
	st.llmInFlight = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		st.llmInFlight = false
		rearm := st.pendingTrigger
		st.pendingTrigger = false
		d.mu.Unlock()
		if rearm {
			d.armBatch(serviceID)
		}
	}()

	if len(events) == 0 || maxScore(events) < llmTriggerScore {
		return
	}

	ctx := d.runContext()
	pattern := EvaluatePatterns(events, d.now())
	candidate := d.classify(ctx, serviceID, serviceName, environmentID, events, pattern)
	if candidate != nil {
		d.persist(ctx, *candidate)
	}
}

// classify runs the LLM with the pattern verdict as hint, falling back to the
// pattern lane with reduced confidence when the provider fails.
func (d *Detector) classify(ctx context.Context, serviceID, serviceName, environmentID string, events []models.LogEvent, pattern *PatternMatch) *models.Candidate {
	fallback := func() *models.Candidate {
		if pattern == nil {
			return nil
		}
		c := candidateFromPattern(serviceID, serviceName, environmentID, pattern, events)
		c.Confidence = 0.5
		c.Reasoning = "pattern match"
		return &c
	}

	prefer := models.ProviderAuto
	if d.policies != nil {
		if policy, err := d.policies.PolicyFor(ctx, serviceID, serviceName); err == nil {
			prefer = policy.LLMProvider
		}
	}

	client, err := d.router.Pick(prefer)
	if err != nil {
		return fallback()
	}

	var hint models.Severity
	if pattern != nil {
		hint = pattern.Severity
	}

	callCtx, cancel := context.WithTimeout(ctx, d.llmTimeout)
	defer cancel()
	start := d.now()
	judgment, err := llm.Classify(callCtx, client, serviceName, events, hint)
	metrics.ObserveLLMCall(client.Name(), err == nil, d.now().Sub(start))
	if err != nil {
		d.logger.Warn("llm classification failed, using pattern lane",
			slog.String("service_id", serviceID), slog.Any("error", err))
		return fallback()
	}

	anchor := anchorEvent(events)
	return &models.Candidate{
		ServiceID:         serviceID,
		ServiceName:       serviceName,
		EnvironmentID:     environmentID,
		Fingerprint:       Fingerprint(anchor.Message, anchor.Level, serviceID),
		Severity:          judgment.Severity,
		Confidence:        judgment.Confidence,
		RootCause:         judgment.RootCause,
		RecommendedAction: judgment.RecommendedAction,
		Reasoning:         judgment.Reasoning,
		LogContext:        logContext(events),
	}
}

func (d *Detector) persist(ctx context.Context, candidate models.Candidate) {
	incident, outcome, err := d.store.UpsertIncident(ctx, candidate)
	if err != nil {
		d.logger.Error("incident upsert failed",
			slog.String("service_id", candidate.ServiceID), slog.Any("error", err))
		return
	}
	metrics.ObserveIncidentUpsert(string(candidate.Severity), string(outcome))
	if outcome == models.UpsertSkipped {
		return
	}
	if d.bus != nil {
		d.bus.Publish(broker.TopicIncidentsNew, incident)
		d.bus.Publish(broker.TopicDashboardIncidents, incident)
	}
}

// flush persists pattern-lane results for services with an armed batch so a
// shutdown does not lose an already-detected signal.
func (d *Detector) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d.mu.Lock()
	type pendingService struct {
		id            string
		name          string
		environmentID string
		events        []models.LogEvent
	}
	pending := make([]pendingService, 0)
	for id, st := range d.services {
		if st.batchScheduled || st.pendingTrigger {
			pending = append(pending, pendingService{id, st.serviceName, st.environmentID, st.window.Events()})
		}
	}
	d.mu.Unlock()

	for _, p := range pending {
		if pattern := EvaluatePatterns(p.events, d.now()); pattern != nil {
			c := candidateFromPattern(p.id, p.name, p.environmentID, pattern, p.events)
			c.Confidence = 0.5
			c.Reasoning = "pattern match"
			d.persist(ctx, c)
		}
	}
}

// bufferEvent queues one event for the sink, writing a batch once the buffer
// fills.
func (d *Detector) bufferEvent(event models.LogEvent) {
	if d.sink == nil {
		return
	}
	d.mu.Lock()
	d.sinkBuf = append(d.sinkBuf, event)
	if len(d.sinkBuf) < sinkFlushSize {
		d.mu.Unlock()
		return
	}
	batch := d.sinkBuf
	d.sinkBuf = nil
	d.mu.Unlock()
	d.writeSink(batch)
}

// flushSink writes whatever the buffer holds, used at shutdown.
func (d *Detector) flushSink() {
	if d.sink == nil {
		return
	}
	d.mu.Lock()
	batch := d.sinkBuf
	d.sinkBuf = nil
	d.mu.Unlock()
	d.writeSink(batch)
}

func (d *Detector) writeSink(batch []models.LogEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.sink.InsertLogEvents(ctx, batch); err != nil {
		d.logger.Warn("log event buffer write failed",
			slog.Int("events", len(batch)), slog.Any("error", err))
	}
}

func (d *Detector) runContext() context.Context {
	if d.runCtx != nil && d.runCtx.Err() == nil {
		return d.runCtx
	}
	return context.Background()
}

func candidateFromPattern(serviceID, serviceName, environmentID string, pattern *PatternMatch, events []models.LogEvent) models.Candidate {
	return models.Candidate{
		ServiceID:         serviceID,
		ServiceName:       serviceName,
		EnvironmentID:     environmentID,
		Fingerprint:       Fingerprint(pattern.MatchedEvent.Message, pattern.MatchedEvent.Level, serviceID),
		Severity:          pattern.Severity,
		Confidence:        0.9,
		RootCause:         pattern.RootCause,
		RecommendedAction: pattern.RecommendedAction,
		Reasoning:         "matched signal: " + pattern.Signal,
		LogContext:        logContext(events),
	}
}

// anchorEvent picks the event the fingerprint keys on: the most recent event
// with the highest severity score.
func anchorEvent(events []models.LogEvent) models.LogEvent {
	anchor := events[0]
	for _, e := range events {
		if e.SeverityScore >= anchor.SeverityScore {
			anchor = e
		}
	}
	return anchor
}

func logContext(events []models.LogEvent) map[string]any {
	const keep = 5
	start := 0
	if len(events) > keep {
		start = len(events) - keep
	}
	lines := make([]string, 0, keep)
	for _, e := range events[start:] {
		lines = append(lines, e.Timestamp.Format(time.RFC3339)+" ["+string(e.Level)+"] "+e.Message)
	}
	return map[string]any{"recent_logs": lines}
}

func maxScore(events []models.LogEvent) int {
	max := 0
	for _, e := range events {
		if e.SeverityScore > max {
			max = e.SeverityScore
		}
	}
	return max
}
