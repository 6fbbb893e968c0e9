package gateway

import (
	"encoding/json"

	"github.com/sensocto/sensocto-go/internal/types"
)

// Envelope is the outer frame of every WebSocket message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRequest announces a connector and the sensor it speaks for.
type JoinRequest struct {
	ConnectorID   string  `json:"connector_id"`
	ConnectorName string  `json:"connector_name,omitempty"`
	SensorID      string  `json:"sensor_id"`
	SensorName    string  `json:"sensor_name,omitempty"`
	SensorType    string  `json:"sensor_type,omitempty"`
	SamplingRate  float64 `json:"sampling_rate,omitempty"`
	BatchSize     int     `json:"batch_size,omitempty"`
}

// JoinedReply confirms the join and carries the first back-pressure contract.
type JoinedReply struct {
	SensorID string `json:"sensor_id"`
	Node     string `json:"node"`
}

// WireMeasurement is one sample as it crosses the socket. The payload body is
// decoded against its declared type before it enters the pipeline.
type WireMeasurement struct {
	AttributeID  string            `json:"attribute_id"`
	TimestampMs  int64             `json:"timestamp_ms"`
	PayloadType  types.PayloadType `json:"payload_type"`
	Payload      json.RawMessage   `json:"payload"`
	DelaySeconds float64           `json:"delay_seconds,omitempty"`
}

// BatchRequest carries several samples in one frame.
type BatchRequest struct {
	Measurements []WireMeasurement `json:"measurements"`
}

// SeedRequest asks for recent window contents, typically after a reconnect.
type SeedRequest struct {
	AttributeID string `json:"attribute_id"`
	FromTs      int64  `json:"from_ts"`
	ToTs        int64  `json:"to_ts"`
	Limit       int    `json:"limit,omitempty"`
}

// SeedReply returns the requested sub-window oldest first.
type SeedReply struct {
	AttributeID  string              `json:"attribute_id"`
	Measurements []types.Measurement `json:"measurements"`
}

// ClearNotice tells the connector an attribute window was wiped server-side.
type ClearNotice struct {
	SensorID    string `json:"sensor_id"`
	AttributeID string `json:"attribute_id"`
}

// ErrorReply reports a rejected frame without dropping the connection.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AttentionAction is an observer intent change.
type AttentionAction struct {
	Action      string `json:"action"` // view, unview, hover, unhover, focus, unfocus
	SensorID    string `json:"sensor_id"`
	AttributeID string `json:"attribute_id,omitempty"`
}

// PinAction pins or unpins a sensor for the observer.
type PinAction struct {
	SensorID string `json:"sensor_id"`
	Pinned   bool   `json:"pinned"`
}

// SubscribeAction attaches or detaches the observer from a sensor's live feed.
type SubscribeAction struct {
	SensorID string `json:"sensor_id"`
}

// LatestRequest asks for the newest sample of one attribute.
type LatestRequest struct {
	SensorID    string `json:"sensor_id"`
	AttributeID string `json:"attribute_id"`
}

// LatestReply answers a LatestRequest; Found is false for an empty window.
type LatestReply struct {
	SensorID    string            `json:"sensor_id"`
	AttributeID string            `json:"attribute_id"`
	Found       bool              `json:"found"`
	Measurement types.Measurement `json:"measurement,omitempty"`
}

// RoomChange applies one dotted-path edit to a shared room document.
type RoomChange struct {
	RoomID string          `json:"room_id"`
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value"`
}

// RoomSubscribe attaches the observer to a room's change feed.
type RoomSubscribe struct {
	RoomID string `json:"room_id"`
}

func encode(msgType string, data interface{}) ([]byte, bool) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, false
		}
		raw = b
	}
	out, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, false
	}
	return out, true
}
