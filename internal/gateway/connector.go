package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/types"
)

// connectorSession is one producer connection. After a successful join it is
// installed as the sensor worker's sink, so back-pressure contracts and clear
// notices flow back over the same socket.
type connectorSession struct {
	gw          *Gateway
	conn        *websocket.Conn
	send        chan []byte
	connectorID string
	sensorID    string
	joined      bool
}

// PushBackpressure implements sensor.ConnectorSink.
func (c *connectorSession) PushBackpressure(cfg types.BackpressureConfig) {
	c.push("backpressure_config", cfg)
}

// PushClearAttribute implements sensor.ConnectorSink.
func (c *connectorSession) PushClearAttribute(sensorID, attributeID string) {
	c.push("clear_attribute", ClearNotice{SensorID: sensorID, AttributeID: attributeID})
}

func (c *connectorSession) push(msgType string, data interface{}) {
	frame, ok := encode(msgType, data)
	if !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warn().Str("connector", c.connectorID).Str("type", msgType).
			Msg("Connector send buffer full, control message dropped")
	}
}

func (c *connectorSession) sendError(code, msg string) {
	c.push("error", ErrorReply{Code: code, Message: msg})
}

func (c *connectorSession) readPump() {
	defer func() {
		if c.joined {
			c.gw.pipeline.ConnectorDown(c.sensorID)
			c.gw.dropConnector(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("connector", c.connectorID).Msg("Connector read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("bad_frame", "unparseable message")
			continue
		}
		c.handle(env)
	}
}

func (c *connectorSession) handle(env Envelope) {
	if !c.joined && env.Type != "join" {
		c.sendError("not_joined", "join before sending data")
		return
	}

	switch env.Type {
	case "join":
		c.handleJoin(env.Data)

	case "measurement":
		var wm WireMeasurement
		if err := json.Unmarshal(env.Data, &wm); err != nil {
			c.sendError("bad_frame", "unparseable measurement")
			return
		}
		if err := c.ingest(wm); err != nil {
			c.sendError(faultCode(err), err.Error())
		}

	case "measurements_batch":
		var req BatchRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendError("bad_frame", "unparseable batch")
			return
		}
		for _, wm := range req.Measurements {
			if err := c.ingest(wm); err != nil {
				// One bad element never rejects its siblings.
				c.sendError(faultCode(err), err.Error())
			}
		}

	case "request_seed_data":
		var req SeedRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendError("bad_frame", "unparseable seed request")
			return
		}
		data, err := c.gw.pipeline.Seed(c.sensorID, req.AttributeID, req.FromTs, req.ToTs, req.Limit)
		if err != nil {
			c.sendError(faultCode(err), err.Error())
			return
		}
		c.push("seed_data", SeedReply{AttributeID: req.AttributeID, Measurements: data})

	case "ping":
		c.push("pong", map[string]int64{"timestamp_ms": time.Now().UnixMilli()})

	default:
		log.Debug().Str("connector", c.connectorID).Str("type", env.Type).Msg("Unknown connector frame")
	}
}

func (c *connectorSession) handleJoin(data json.RawMessage) {
	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SensorID == "" {
		c.sendError("bad_frame", "join requires sensor_id")
		return
	}
	if c.joined {
		c.sendError("already_joined", "connector already bound to "+c.sensorID)
		return
	}
	if c.gw.isDraining() {
		c.sendError("draining", "node is draining, reconnect elsewhere")
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeTryAgainLater, "draining"),
			time.Now().Add(time.Second))
		return
	}

	_, err := c.gw.pipeline.SpawnSensor(req.SensorID, sensorConfigFromJoin(req))
	if err != nil {
		c.sendError(faultCode(err), err.Error())
		return
	}

	c.sensorID = req.SensorID
	if req.ConnectorID != "" {
		c.connectorID = req.ConnectorID
	}
	c.joined = true
	c.gw.trackConnector(c)

	if err := c.gw.pipeline.ConnectorUp(c.sensorID, c); err != nil {
		c.sendError(faultCode(err), err.Error())
		return
	}
	c.gw.recordJoin(req)

	log.Info().Str("connector", c.connectorID).Str("sensor", c.sensorID).Msg("Connector joined")
	c.push("joined", JoinedReply{SensorID: c.sensorID, Node: c.gw.node})
}

func (c *connectorSession) ingest(wm WireMeasurement) error {
	payload, err := types.DecodePayload(wm.PayloadType, wm.Payload)
	if err != nil {
		return cerr.InvalidPayload(c.sensorID, wm.AttributeID, err)
	}
	return c.gw.pipeline.Ingest(c.sensorID, types.Measurement{
		SensorID:     c.sensorID,
		AttributeID:  wm.AttributeID,
		TimestampMs:  wm.TimestampMs,
		Payload:      payload,
		DelaySeconds: wm.DelaySeconds,
	})
}

func (c *connectorSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
