// Package gateway terminates the node's WebSocket edge: connector sockets on
// the producer side, observer sockets on the consumer side, and the small
// admin HTTP surface used for status, drain, and shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/attention"
	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/catalog"
	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/room"
	"github.com/sensocto/sensocto-go/internal/sensor"
	"github.com/sensocto/sensocto-go/internal/telemetry"
	"github.com/sensocto/sensocto-go/internal/types"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// connectorSendBuffer holds control frames; the data path is inbound.
	connectorSendBuffer = 64

	// closeTryAgainLater tells a draining connector to reconnect elsewhere.
	closeTryAgainLater = 4503
)

// guestSessionTTL bounds the lifetime of observer sessions that never
// identified themselves; named sessions live until disconnect.
var guestSessionTTL = 2 * time.Hour

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LoadStatus exposes the current load sample for the status endpoint.
type LoadStatus interface {
	Current() types.LoadSample
}

// Config carries the gateway wiring.
type Config struct {
	Node      string
	Pipeline  *sensor.Pipeline
	Attention *attention.Registry
	Rooms     *room.Manager
	Catalog   *catalog.Store
	EventBus  *bus.Bus
	Load      LoadStatus
}

// Gateway owns every live socket on the node.
type Gateway struct {
	node      string
	pipeline  *sensor.Pipeline
	attention *attention.Registry
	rooms     *room.Manager
	catalog   *catalog.Store
	eventBus  *bus.Bus
	load      LoadStatus
	started   time.Time

	mu         sync.RWMutex
	draining   bool
	connectors map[*connectorSession]struct{}
	observers  map[*observerSession]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds the gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		node:       cfg.Node,
		pipeline:   cfg.Pipeline,
		attention:  cfg.Attention,
		rooms:      cfg.Rooms,
		catalog:    cfg.Catalog,
		eventBus:   cfg.EventBus,
		load:       cfg.Load,
		started:    time.Now(),
		connectors: make(map[*connectorSession]struct{}),
		observers:  make(map[*observerSession]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownRequested closes when an operator hits the shutdown endpoint.
func (g *Gateway) ShutdownRequested() <-chan struct{} {
	return g.shutdownCh
}

// Routes registers the gateway's HTTP surface on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/connector", g.handleConnector)
	mux.HandleFunc("/ws/observer", g.handleObserver)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/drain", g.handleDrain)
	mux.HandleFunc("/api/shutdown", g.handleShutdown)
	mux.HandleFunc("/api/sensors", g.handleSensors)
}

func (g *Gateway) handleConnector(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Connector upgrade failed")
		return
	}
	c := &connectorSession{
		gw:          g,
		conn:        conn,
		send:        make(chan []byte, connectorSendBuffer),
		connectorID: "connector-" + uuid.NewString(),
	}
	go c.writePump()
	go c.readPump()
}

func (g *Gateway) handleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Observer upgrade failed")
		return
	}
	o := newObserverSession(g, conn, r.URL.Query().Get("user_id"))
	g.trackObserver(o)
	log.Info().Str("observer", o.userID).Msg("Observer connected")
	go o.writePump()
	go o.readPump()
}

// NodeStatus is the admin status document.
type NodeStatus struct {
	Node            string                       `json:"node"`
	UptimeSeconds   int64                        `json:"uptime_seconds"`
	Draining        bool                         `json:"draining"`
	ActiveSensors   int                          `json:"active_sensors"`
	ActiveRooms     int                          `json:"active_rooms"`
	Connectors      int                          `json:"connectors"`
	Observers       int                          `json:"observers"`
	AttentionLevels map[types.AttentionLevel]int `json:"attention_levels"`
	Load            *types.LoadSample            `json:"load,omitempty"`
}

// Status snapshots the node for the CLI and the status endpoint.
func (g *Gateway) Status() NodeStatus {
	g.mu.RLock()
	draining := g.draining
	connectors := len(g.connectors)
	observers := len(g.observers)
	g.mu.RUnlock()

	st := NodeStatus{
		Node:            g.node,
		UptimeSeconds:   int64(time.Since(g.started).Seconds()),
		Draining:        draining,
		ActiveSensors:   len(g.pipeline.Sensors()),
		Connectors:      connectors,
		Observers:       observers,
		AttentionLevels: g.attention.LevelCounts(),
	}
	if g.rooms != nil {
		st.ActiveRooms = len(g.rooms.Rooms())
	}
	if g.load != nil {
		sample := g.load.Current()
		st.Load = &sample
	}
	return st
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Status())
}

func (g *Gateway) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Draining *bool `json:"draining"`
	}
	on := true
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Draining != nil {
		on = *req.Draining
	}
	g.SetDraining(on)
	writeJSON(w, http.StatusOK, map[string]bool{"draining": on})
}

func (g *Gateway) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	log.Info().Msg("Shutdown requested via admin endpoint")
	g.SetDraining(true)
	g.shutdownOnce.Do(func() { close(g.shutdownCh) })
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
}

func (g *Gateway) handleSensors(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if g.catalog == nil {
		writeJSON(w, http.StatusOK, []types.SensorInfo{})
		return
	}
	sensors, err := g.catalog.ListSensors(r.Context(), owner)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sensors == nil {
		sensors = []types.SensorInfo{}
	}
	writeJSON(w, http.StatusOK, sensors)
}

// SetDraining flips drain mode: new connector joins are refused while live
// traffic keeps flowing.
func (g *Gateway) SetDraining(on bool) {
	g.mu.Lock()
	g.draining = on
	g.mu.Unlock()
	g.pipeline.SetDraining(on)
	log.Info().Bool("draining", on).Msg("Drain mode changed")
}

func (g *Gateway) isDraining() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.draining
}

// CloseAll force-closes every socket; called on final shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(g.connectors)+len(g.observers))
	for c := range g.connectors {
		conns = append(conns, c.conn)
	}
	for o := range g.observers {
		conns = append(conns, o.conn)
	}
	g.connectors = make(map[*connectorSession]struct{})
	g.observers = make(map[*observerSession]struct{})
	g.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (g *Gateway) trackConnector(c *connectorSession) {
	g.mu.Lock()
	g.connectors[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) dropConnector(c *connectorSession) {
	g.mu.Lock()
	delete(g.connectors, c)
	g.mu.Unlock()
	log.Info().Str("connector", c.connectorID).Str("sensor", c.sensorID).Msg("Connector disconnected")
}

func (g *Gateway) trackObserver(o *observerSession) {
	g.mu.Lock()
	g.observers[o] = struct{}{}
	count := len(g.observers)
	g.mu.Unlock()
	telemetry.Get().SetActiveObservers(count)
}

func (g *Gateway) dropObserver(o *observerSession) {
	g.mu.Lock()
	delete(g.observers, o)
	count := len(g.observers)
	g.mu.Unlock()
	telemetry.Get().SetActiveObservers(count)
	log.Info().Str("observer", o.userID).Msg("Observer disconnected")
}

// recordJoin backfills catalog identity with what the join frame knows.
func (g *Gateway) recordJoin(req JoinRequest) {
	if g.catalog == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		now := time.Now()
		err := g.catalog.UpsertSensor(ctx, types.SensorInfo{
			SensorID:  req.SensorID,
			Type:      req.SensorType,
			FirstSeen: now,
			LastSeen:  now,
		})
		if err != nil {
			log.Warn().Err(err).Str("sensor", req.SensorID).Msg("Catalog join upsert failed")
		}
	}()
}

func sensorConfigFromJoin(req JoinRequest) sensor.WorkerConfig {
	return sensor.WorkerConfig{
		SamplingRate: req.SamplingRate,
	}
}

// faultCode flattens a core error into the wire error code.
func faultCode(err error) string {
	var ce *cerr.CoreError
	if errors.As(err, &ce) {
		return string(ce.Code)
	}
	return string(cerr.CodeInternal)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
