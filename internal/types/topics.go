package types

import "fmt"

// Well-known pub/sub topic names. Topic strings are opaque to the bus; these
// helpers keep the naming scheme in one place.

const (
	TopicSystemLoad        = "system:load"
	TopicSystemHomeostasis = "system:homeostasis"
	TopicSystemCircadian   = "system:circadian"
	TopicPresence          = "system:presence"
)

func TopicSensorData(sensorID string) string {
	return fmt.Sprintf("sensor:%s:data", sensorID)
}

func TopicAttentionSensor(sensorID string) string {
	return fmt.Sprintf("attention:%s", sensorID)
}

func TopicAttentionAttribute(sensorID, attributeID string) string {
	return fmt.Sprintf("attention:%s:%s", sensorID, attributeID)
}

func TopicNovelty(sensorID string) string {
	return fmt.Sprintf("bio:novelty:%s", sensorID)
}

func TopicRoomCRDT(roomID string) string {
	return fmt.Sprintf("room:%s:crdt", roomID)
}
