package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/room"
	"github.com/sensocto/sensocto-go/internal/types"
)

// observerSession is one consumer connection: a dashboard, a clinician view,
// or any UI that watches sensors. Its attention intents feed the registry and
// are torn down as a unit when the socket drops.
type observerSession struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	userID string
	guest  bool

	mu   sync.Mutex
	subs map[string]*bus.Subscription // topic -> live subscription
	done chan struct{}
}

func newObserverSession(gw *Gateway, conn *websocket.Conn, userID string) *observerSession {
	guest := userID == ""
	if guest {
		userID = "observer-" + uuid.NewString()
	}
	return &observerSession{
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		guest:  guest,
		subs:   make(map[string]*bus.Subscription),
		done:   make(chan struct{}),
	}
}

func (o *observerSession) push(msgType string, data interface{}) {
	frame, ok := encode(msgType, data)
	if !ok {
		return
	}
	select {
	case o.send <- frame:
	default:
		log.Debug().Str("observer", o.userID).Str("type", msgType).
			Msg("Observer send buffer full, frame dropped")
	}
}

func (o *observerSession) sendError(code, msg string) {
	o.push("error", ErrorReply{Code: code, Message: msg})
}

func (o *observerSession) readPump() {
	defer func() {
		close(o.done)
		o.dropAllSubscriptions()
		// Every intent this session registered dies with it.
		o.gw.attention.UnregisterAll(o.userID)
		o.gw.dropObserver(o)
		o.conn.Close()
	}()

	o.conn.SetReadDeadline(time.Now().Add(readTimeout))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, raw, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("observer", o.userID).Msg("Observer read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			o.sendError("bad_frame", "unparseable message")
			continue
		}
		o.handle(env)
	}
}

func (o *observerSession) handle(env Envelope) {
	switch env.Type {
	case "attention":
		var act AttentionAction
		if err := json.Unmarshal(env.Data, &act); err != nil || act.SensorID == "" {
			o.sendError("bad_frame", "attention action requires sensor_id")
			return
		}
		o.applyAttention(act)

	case "pin":
		var act PinAction
		if err := json.Unmarshal(env.Data, &act); err != nil || act.SensorID == "" {
			o.sendError("bad_frame", "pin requires sensor_id")
			return
		}
		if act.Pinned {
			o.gw.attention.PinSensor(act.SensorID, o.userID)
		} else {
			o.gw.attention.UnpinSensor(act.SensorID, o.userID)
		}

	case "battery":
		var state types.BatteryState
		if err := json.Unmarshal(env.Data, &state); err != nil {
			o.sendError("bad_frame", "unparseable battery report")
			return
		}
		if state.ReportedAt.IsZero() {
			state.ReportedAt = time.Now()
		}
		o.gw.attention.ReportBatteryState(o.userID, state)

	case "subscribe":
		var act SubscribeAction
		if err := json.Unmarshal(env.Data, &act); err != nil || act.SensorID == "" {
			o.sendError("bad_frame", "subscribe requires sensor_id")
			return
		}
		o.subscribe(types.TopicSensorData(act.SensorID), o.forwardMeasurement)
		o.subscribe(types.TopicAttentionSensor(act.SensorID), o.forwardAttention)

	case "unsubscribe":
		var act SubscribeAction
		if err := json.Unmarshal(env.Data, &act); err != nil || act.SensorID == "" {
			o.sendError("bad_frame", "unsubscribe requires sensor_id")
			return
		}
		o.unsubscribe(types.TopicSensorData(act.SensorID))
		o.unsubscribe(types.TopicAttentionSensor(act.SensorID))

	case "get_latest":
		var req LatestRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			o.sendError("bad_frame", "unparseable latest request")
			return
		}
		m, found, err := o.gw.pipeline.GetLatest(req.SensorID, req.AttributeID)
		if err != nil {
			o.sendError(faultCode(err), err.Error())
			return
		}
		o.push("latest", LatestReply{
			SensorID: req.SensorID, AttributeID: req.AttributeID,
			Found: found, Measurement: m,
		})

	case "seed":
		var req struct {
			SensorID string `json:"sensor_id"`
			SeedRequest
		}
		if err := json.Unmarshal(env.Data, &req); err != nil {
			o.sendError("bad_frame", "unparseable seed request")
			return
		}
		data, err := o.gw.pipeline.Seed(req.SensorID, req.AttributeID, req.FromTs, req.ToTs, req.Limit)
		if err != nil {
			o.sendError(faultCode(err), err.Error())
			return
		}
		o.push("seed_data", SeedReply{AttributeID: req.AttributeID, Measurements: data})

	case "room_change":
		var change RoomChange
		if err := json.Unmarshal(env.Data, &change); err != nil || change.RoomID == "" {
			o.sendError("bad_frame", "room change requires room_id and path")
			return
		}
		if o.gw.rooms == nil {
			o.sendError("unsupported", "rooms disabled on this node")
			return
		}
		if err := o.gw.rooms.ApplyChange(change.RoomID, change.Path, change.Value); err != nil {
			o.sendError(faultCode(err), err.Error())
		}

	case "room_subscribe":
		var req RoomSubscribe
		if err := json.Unmarshal(env.Data, &req); err != nil || req.RoomID == "" {
			o.sendError("bad_frame", "room subscribe requires room_id")
			return
		}
		if o.gw.rooms == nil {
			o.sendError("unsupported", "rooms disabled on this node")
			return
		}
		sub, err := o.gw.rooms.Subscribe(req.RoomID)
		if err != nil {
			o.sendError(faultCode(err), err.Error())
			return
		}
		o.adopt("room:"+req.RoomID, sub, o.forwardRoomChange)
		// Immediate state so the UI renders before the first change lands.
		if doc, err := o.gw.rooms.GetState(req.RoomID); err == nil {
			o.push("room_state", doc)
		}

	case "ping":
		o.push("pong", map[string]int64{"timestamp_ms": time.Now().UnixMilli()})

	default:
		log.Debug().Str("observer", o.userID).Str("type", env.Type).Msg("Unknown observer frame")
	}
}

func (o *observerSession) applyAttention(act AttentionAction) {
	reg := o.gw.attention
	switch act.Action {
	case "view":
		reg.RegisterView(act.SensorID, act.AttributeID, o.userID)
	case "unview":
		reg.UnregisterView(act.SensorID, act.AttributeID, o.userID)
	case "hover":
		reg.RegisterHover(act.SensorID, act.AttributeID, o.userID)
	case "unhover":
		reg.UnregisterHover(act.SensorID, act.AttributeID, o.userID)
	case "focus":
		reg.RegisterFocus(act.SensorID, act.AttributeID, o.userID)
	case "unfocus":
		reg.UnregisterFocus(act.SensorID, act.AttributeID, o.userID)
	default:
		o.sendError("bad_frame", "unknown attention action "+act.Action)
	}
}

// subscribe attaches a forwarding goroutine for topic, once.
func (o *observerSession) subscribe(topic string, forward func(bus.Message)) {
	o.mu.Lock()
	if _, ok := o.subs[topic]; ok {
		o.mu.Unlock()
		return
	}
	sub := o.gw.eventBus.Subscribe(topic)
	o.subs[topic] = sub
	o.mu.Unlock()

	go o.pump(sub, forward)
}

// adopt takes ownership of an externally created subscription.
func (o *observerSession) adopt(key string, sub *bus.Subscription, forward func(bus.Message)) {
	o.mu.Lock()
	if _, ok := o.subs[key]; ok {
		o.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	o.subs[key] = sub
	o.mu.Unlock()

	go o.pump(sub, forward)
}

func (o *observerSession) pump(sub *bus.Subscription, forward func(bus.Message)) {
	for {
		select {
		case <-o.done:
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			forward(msg)
		}
	}
}

func (o *observerSession) unsubscribe(topic string) {
	o.mu.Lock()
	sub, ok := o.subs[topic]
	if ok {
		delete(o.subs, topic)
	}
	o.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

func (o *observerSession) dropAllSubscriptions() {
	o.mu.Lock()
	subs := make([]*bus.Subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.subs = make(map[string]*bus.Subscription)
	o.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (o *observerSession) forwardMeasurement(msg bus.Message) {
	if m, ok := msg.Data.(types.Measurement); ok {
		o.push("measurement", m)
	}
}

func (o *observerSession) forwardAttention(msg bus.Message) {
	if ch, ok := msg.Data.(types.AttentionChange); ok {
		o.push("attention_changed", ch)
	}
}

func (o *observerSession) forwardRoomChange(msg bus.Message) {
	if ev, ok := msg.Data.(room.ChangeEvent); ok {
		o.push("room_changed", ev.Doc)
	}
}

func (o *observerSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	// Guest sessions age out even when the socket itself stays healthy.
	var expire <-chan time.Time
	if o.guest {
		expiry := time.NewTimer(guestSessionTTL)
		defer expiry.Stop()
		expire = expiry.C
	}

	for {
		select {
		case <-expire:
			log.Info().Str("observer", o.userID).Msg("Guest observer session expired")
			o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			o.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session expired"))
			return
		case frame, ok := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
