package sensor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/telemetry"
	"github.com/sensocto/sensocto-go/internal/types"
)

const (
	// MailboxSize bounds each sensor worker's mailbox.
	MailboxSize = 4096
	// OfflineGrace is how long a worker stays alive after its connector
	// disappears before the sensor is declared offline.
	OfflineGrace = 60 * time.Second
	// replyTimeout bounds request/reply operations against the worker.
	replyTimeout = 5 * time.Second
	// pushThreshold is the relative batch-window change that forces a new
	// backpressure push even when the level is unchanged.
	pushThreshold = 0.10
)

// AttentionSource is the read path into the attention registry.
type AttentionSource interface {
	SensorLevel(sensorID string) types.AttentionLevel
	AttributeLevel(sensorID, attributeID string) types.AttentionLevel
	BatchWindow(baseMs int, sensorID, attributeID string) int
	BatchWindowAt(baseMs int, sensorID, attributeID string, level types.AttentionLevel) int
}

// NoveltyReporter receives every accepted measurement for baseline tracking.
type NoveltyReporter interface {
	Observe(sensorID, attributeID string, payload types.Payload, timestampMs int64)
}

// ConnectorSink is the upstream side of a sensor: the gateway installs one
// per live connector so the worker can push control messages.
type ConnectorSink interface {
	PushBackpressure(cfg types.BackpressureConfig)
	PushClearAttribute(sensorID, attributeID string)
}

// WorkerConfig carries the per-sensor tunables, mostly from join params.
type WorkerConfig struct {
	BaseWindowMs   int
	WindowCapacity int
	SamplingRate   float64
	OfflineGrace   time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BaseWindowMs <= 0 {
		c.BaseWindowMs = 2000
	}
	if c.WindowCapacity <= 0 {
		c.WindowCapacity = DefaultWindowCapacity
	}
	if c.SamplingRate <= 0 {
		c.SamplingRate = 1
	}
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = OfflineGrace
	}
	return c
}

type message interface{}

type enqueueMsg struct {
	measurements []types.Measurement
}

type seedReq struct {
	attributeID string
	fromTs      int64
	toTs        int64
	limit       int
	reply       chan []types.Measurement
}

type latestReq struct {
	attributeID string
	reply       chan latestResp
}

type latestResp struct {
	m  types.Measurement
	ok bool
}

type clearMsg struct {
	attributeID string
}

type connectorMsg struct {
	up   bool
	sink ConnectorSink
}

// Worker owns one sensor: its attribute windows, its connector, and the
// back-pressure contract pushed upstream. All mutation happens inside run.
type Worker struct {
	sensorID  string
	cfg       WorkerConfig
	mailbox   chan message
	eventBus  *bus.Bus
	attention AttentionSource
	novelty   NoveltyReporter

	// attrTypes is written once per attribute on first sight and read by the
	// ingest validation path.
	attrMu    sync.RWMutex
	attrTypes map[string]types.PayloadType
}

// NewWorker builds a worker; call Run under a supervisor to start it.
func NewWorker(sensorID string, cfg WorkerConfig, eventBus *bus.Bus, attention AttentionSource, novelty NoveltyReporter) *Worker {
	return &Worker{
		sensorID:  sensorID,
		cfg:       cfg.withDefaults(),
		mailbox:   make(chan message, MailboxSize),
		eventBus:  eventBus,
		attention: attention,
		novelty:   novelty,
		attrTypes: make(map[string]types.PayloadType),
	}
}

// SensorID returns the owned sensor.
func (w *Worker) SensorID() string {
	return w.sensorID
}

// MailboxDepth reports the current mailbox backlog for the load monitor.
func (w *Worker) MailboxDepth() int {
	return len(w.mailbox)
}

// AttributeType returns the immutable semantic type for an attribute, if seen.
func (w *Worker) AttributeType(attributeID string) (types.PayloadType, bool) {
	w.attrMu.RLock()
	defer w.attrMu.RUnlock()
	t, ok := w.attrTypes[attributeID]
	return t, ok
}

// DeclareAttribute pins an attribute's semantic type. The first declaration
// wins; later conflicting declarations fail because the type is immutable for
// the life of the sensor.
func (w *Worker) DeclareAttribute(attributeID string, t types.PayloadType) error {
	if !types.KnownPayloadType(t) {
		return cerr.InvalidPayload(w.sensorID, attributeID, fmt.Errorf("unknown attribute type %q", t))
	}
	w.attrMu.Lock()
	defer w.attrMu.Unlock()
	if existing, ok := w.attrTypes[attributeID]; ok {
		if existing != t {
			return cerr.InvalidPayload(w.sensorID, attributeID,
				fmt.Errorf("attribute type %q conflicts with declared %q", t, existing))
		}
		return nil
	}
	w.attrTypes[attributeID] = t
	return nil
}

// Attributes lists the declared attribute IDs.
func (w *Worker) Attributes() []string {
	w.attrMu.RLock()
	defer w.attrMu.RUnlock()
	out := make([]string, 0, len(w.attrTypes))
	for id := range w.attrTypes {
		out = append(out, id)
	}
	return out
}

// Ingest validates one measurement and hands it to the worker. Validation
// errors come back synchronously; the window insert and fan-out happen on the
// worker's own goroutine.
func (w *Worker) Ingest(m types.Measurement) error {
	if err := w.validate(m); err != nil {
		telemetry.Get().RecordInvalidPayload(w.sensorID)
		return err
	}
	if !withinTolerance(m.TimestampMs, m.Payload.Type, time.Now()) {
		telemetry.Get().RecordOutOfTolerance(w.sensorID)
		log.Warn().Str("sensor", w.sensorID).Str("attribute", m.AttributeID).
			Int64("timestampMs", m.TimestampMs).Msg("Measurement outside skew tolerance, dropped")
		return cerr.InvalidPayload(w.sensorID, m.AttributeID, fmt.Errorf("timestamp %d outside tolerance", m.TimestampMs))
	}

	select {
	case w.mailbox <- enqueueMsg{measurements: []types.Measurement{m}}:
		return nil
	default:
		return cerr.New(cerr.CodeSubscriberOverflow, "ingest", fmt.Errorf("mailbox full")).WithSensor(w.sensorID)
	}
}

// IngestBatch validates each element; a failure rejects only that element.
// The returned slice has one entry per input, nil for accepted elements.
func (w *Worker) IngestBatch(ms []types.Measurement) []error {
	errs := make([]error, len(ms))
	accepted := make([]types.Measurement, 0, len(ms))
	now := time.Now()
	for i, m := range ms {
		if err := w.validate(m); err != nil {
			telemetry.Get().RecordInvalidPayload(w.sensorID)
			errs[i] = err
			continue
		}
		if !withinTolerance(m.TimestampMs, m.Payload.Type, now) {
			telemetry.Get().RecordOutOfTolerance(w.sensorID)
			errs[i] = cerr.InvalidPayload(w.sensorID, m.AttributeID,
				fmt.Errorf("timestamp %d outside tolerance", m.TimestampMs))
			continue
		}
		accepted = append(accepted, m)
	}
	if len(accepted) == 0 {
		return errs
	}
	select {
	case w.mailbox <- enqueueMsg{measurements: accepted}:
	default:
		overflow := cerr.New(cerr.CodeSubscriberOverflow, "ingest_batch", fmt.Errorf("mailbox full")).WithSensor(w.sensorID)
		for i := range errs {
			if errs[i] == nil {
				errs[i] = overflow
			}
		}
	}
	return errs
}

// Seed returns the sub-window for a reconnecting or newly mounted observer.
func (w *Worker) Seed(attributeID string, fromTs, toTs int64, limit int) ([]types.Measurement, error) {
	req := seedReq{
		attributeID: attributeID,
		fromTs:      fromTs,
		toTs:        toTs,
		limit:       limit,
		reply:       make(chan []types.Measurement, 1),
	}
	select {
	case w.mailbox <- req:
	default:
		return nil, cerr.New(cerr.CodeSubscriberOverflow, "seed", fmt.Errorf("mailbox full")).WithSensor(w.sensorID)
	}
	select {
	case data := <-req.reply:
		return data, nil
	case <-time.After(replyTimeout):
		return nil, cerr.New(cerr.CodeTimeout, "seed", cerr.ErrTimeout).WithSensor(w.sensorID).WithAttribute(attributeID)
	}
}

// GetLatest returns the newest measurement for an attribute.
func (w *Worker) GetLatest(attributeID string) (types.Measurement, bool, error) {
	req := latestReq{attributeID: attributeID, reply: make(chan latestResp, 1)}
	select {
	case w.mailbox <- req:
	default:
		return types.Measurement{}, false, cerr.New(cerr.CodeSubscriberOverflow, "get_latest", fmt.Errorf("mailbox full")).WithSensor(w.sensorID)
	}
	select {
	case resp := <-req.reply:
		return resp.m, resp.ok, nil
	case <-time.After(replyTimeout):
		return types.Measurement{}, false, cerr.New(cerr.CodeTimeout, "get_latest", cerr.ErrTimeout).WithSensor(w.sensorID)
	}
}

// ClearAttribute empties one attribute window and tells the connector.
func (w *Worker) ClearAttribute(attributeID string) {
	select {
	case w.mailbox <- clearMsg{attributeID: attributeID}:
	default:
	}
}

// ConnectorUp attaches the live connector sink.
func (w *Worker) ConnectorUp(sink ConnectorSink) {
	w.mailbox <- connectorMsg{up: true, sink: sink}
}

// ConnectorDown detaches the connector; the offline grace clock starts.
func (w *Worker) ConnectorDown() {
	select {
	case w.mailbox <- connectorMsg{up: false}:
	default:
	}
}

func (w *Worker) validate(m types.Measurement) error {
	if m.AttributeID == "" {
		return cerr.InvalidPayload(w.sensorID, m.AttributeID, fmt.Errorf("missing attribute_id"))
	}
	if err := m.Payload.Validate(); err != nil {
		return cerr.InvalidPayload(w.sensorID, m.AttributeID, err)
	}
	declared, ok := w.AttributeType(m.AttributeID)
	if !ok {
		// First measurement fixes the attribute's semantic type.
		return w.DeclareAttribute(m.AttributeID, m.Payload.Type)
	}
	if declared != m.Payload.Type {
		return cerr.InvalidPayload(w.sensorID, m.AttributeID,
			fmt.Errorf("payload type %q does not match declared %q", m.Payload.Type, declared))
	}
	return nil
}

// workerState is the loop-private mutable state.
type workerState struct {
	windows       map[string]*Window
	sink          ConnectorSink
	connectorSeen time.Time
	online        bool
	boostUntil    time.Time
	lastPush      types.BackpressureConfig
	pushed        bool
}

// Run is the worker body, executed under a fabric supervisor. It subscribes
// to the sensor's attention and novelty topics, announces itself on the
// presence topic so reconnecting producers can re-seed, and re-evaluates the
// back-pressure contract on every relevant change.
func (w *Worker) Run(ctx context.Context) error {
	attnSub := w.eventBus.Subscribe(types.TopicAttentionSensor(w.sensorID))
	defer attnSub.Unsubscribe()
	noveltySub := w.eventBus.Subscribe(types.TopicNovelty(w.sensorID))
	defer noveltySub.Unsubscribe()

	w.eventBus.Publish(types.TopicPresence, map[string]string{
		"event":     "sensor_worker_started",
		"sensor_id": w.sensorID,
	})

	st := &workerState{
		windows:       make(map[string]*Window),
		connectorSeen: time.Now(),
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-w.mailbox:
			w.handle(st, msg)

		case ev, ok := <-attnSub.C():
			if !ok {
				return fmt.Errorf("attention subscription lost")
			}
			_ = ev
			w.evaluateBackpressure(st, time.Now())

		case ev, ok := <-noveltySub.C():
			if !ok {
				return fmt.Errorf("novelty subscription lost")
			}
			if ne, ok := ev.Data.(types.NoveltyEvent); ok {
				st.boostUntil = time.Now().Add(time.Duration(ne.BoostMs) * time.Millisecond)
				w.evaluateBackpressure(st, time.Now())
			}

		case now := <-ticker.C:
			if st.online && st.sink == nil && now.Sub(st.connectorSeen) > w.cfg.OfflineGrace {
				st.online = false
				log.Info().Str("sensor", w.sensorID).Msg("Connector grace expired, sensor offline")
				w.eventBus.Publish(types.TopicPresence, map[string]string{
					"event":     "sensor_offline",
					"sensor_id": w.sensorID,
				})
			}
			w.evaluateBackpressure(st, now)
		}
	}
}

func (w *Worker) handle(st *workerState, msg message) {
	switch m := msg.(type) {
	case enqueueMsg:
		for _, meas := range m.measurements {
			w.insert(st, meas)
		}

	case seedReq:
		win, ok := st.windows[m.attributeID]
		if !ok {
			m.reply <- nil
			return
		}
		m.reply <- win.Range(m.fromTs, m.toTs, m.limit)

	case latestReq:
		win, ok := st.windows[m.attributeID]
		if !ok {
			m.reply <- latestResp{}
			return
		}
		latest, found := win.Latest()
		m.reply <- latestResp{m: latest, ok: found}

	case clearMsg:
		if win, ok := st.windows[m.attributeID]; ok {
			win.Clear()
		}
		if st.sink != nil {
			st.sink.PushClearAttribute(w.sensorID, m.attributeID)
		}

	case connectorMsg:
		if m.up {
			st.sink = m.sink
			st.connectorSeen = time.Now()
			if !st.online {
				st.online = true
				w.eventBus.Publish(types.TopicPresence, map[string]string{
					"event":     "sensor_online",
					"sensor_id": w.sensorID,
				})
			}
			// Force a fresh contract to the new connector.
			st.pushed = false
			w.evaluateBackpressure(st, time.Now())
		} else {
			st.sink = nil
			st.connectorSeen = time.Now()
		}
	}
}

func (w *Worker) insert(st *workerState, m types.Measurement) {
	m.SensorID = w.sensorID
	win, ok := st.windows[m.AttributeID]
	if !ok {
		win = NewWindow(w.cfg.WindowCapacity)
		st.windows[m.AttributeID] = win
	}
	win.Insert(m)
	telemetry.Get().RecordIngest(w.sensorID)

	w.eventBus.Publish(types.TopicSensorData(w.sensorID), m)
	if w.novelty != nil {
		w.novelty.Observe(w.sensorID, m.AttributeID, m.Payload, m.TimestampMs)
	}
}

func (w *Worker) contractWindow(attributeID string, level types.AttentionLevel, boosted bool) int {
	if boosted {
		return w.attention.BatchWindowAt(w.cfg.BaseWindowMs, w.sensorID, attributeID, level)
	}
	return w.attention.BatchWindow(w.cfg.BaseWindowMs, w.sensorID, attributeID)
}

// effectiveLevel applies the novelty boost cap on top of the registry level.
func (w *Worker) effectiveLevel(st *workerState, now time.Time) types.AttentionLevel {
	level := w.attention.SensorLevel(w.sensorID)
	if now.Before(st.boostUntil) {
		level = types.AttentionHigh
	}
	return level
}

// evaluateBackpressure recomputes the contract and pushes it when the level
// changed or the window moved by at least 10%.
func (w *Worker) evaluateBackpressure(st *workerState, now time.Time) {
	level := w.effectiveLevel(st, now)
	boosted := now.Before(st.boostUntil)

	// The connector contract follows the most demanding attribute. While a
	// novelty boost holds, every attribute is priced at the boosted level so
	// the window lands inside that level's clamp.
	windowMs := 0
	for _, attr := range w.Attributes() {
		attrWindow := w.contractWindow(attr, level, boosted)
		if windowMs == 0 || attrWindow < windowMs {
			windowMs = attrWindow
		}
	}
	if windowMs == 0 {
		windowMs = w.contractWindow("", level, boosted)
	}

	batchSize := int(math.Max(1, math.Round(float64(windowMs)*w.cfg.SamplingRate/1000)))
	cfg := types.BackpressureConfig{
		AttentionLevel:         level,
		RecommendedBatchWindow: windowMs,
		RecommendedBatchSize:   batchSize,
		TimestampMs:            now.UnixMilli(),
	}

	if st.pushed && cfg.AttentionLevel == st.lastPush.AttentionLevel &&
		!windowChanged(st.lastPush.RecommendedBatchWindow, windowMs) {
		return
	}

	st.lastPush = cfg
	st.pushed = true
	if st.sink != nil {
		st.sink.PushBackpressure(cfg)
		telemetry.Get().RecordBackpressurePush(string(level))
	}
}

func windowChanged(prev, next int) bool {
	if prev == 0 {
		return next != 0
	}
	delta := math.Abs(float64(next-prev)) / float64(prev)
	return delta >= pushThreshold
}
