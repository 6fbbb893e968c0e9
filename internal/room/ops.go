package room

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Local mutation helpers. All of them advance the document's vector clock;
// only the owning room worker calls them.

func (d *Document) setRegister(m map[string]LWWRegister, key string, value json.RawMessage, node string, now time.Time) {
	d.Clock.Increment(node)
	next := LWWRegister{Value: value, TimestampMs: now.UnixMilli(), Node: node}
	if existing, ok := m[key]; ok {
		next = existing.merge(next)
	}
	m[key] = next
}

// SetMetadata writes one metadata field.
func (d *Document) SetMetadata(key string, value json.RawMessage, node string, now time.Time) {
	d.setRegister(d.Metadata, key, value, node, now)
}

// SetMedia writes one media-playback field (position, playing, track).
func (d *Document) SetMedia(key string, value json.RawMessage, node string, now time.Time) {
	d.setRegister(d.Media, key, value, node, now)
}

// SetViewer3D writes one 3-D viewer field (camera, target, mode).
func (d *Document) SetViewer3D(key string, value json.RawMessage, node string, now time.Time) {
	d.setRegister(d.Viewer3D, key, value, node, now)
}

// AddMember joins a user to the room.
func (d *Document) AddMember(userID, node string) {
	d.Clock.Increment(node)
	d.Members.Add(userID, d.Clock)
}

// RemoveMember leaves; the tombstone carries the current causal point.
func (d *Document) RemoveMember(userID, node string) {
	d.Clock.Increment(node)
	d.Members.Remove(userID, d.Clock)
}

// BindSensor attaches a sensor to the room.
func (d *Document) BindSensor(sensorID, node string) {
	d.Clock.Increment(node)
	d.SensorBindings.Add(sensorID, d.Clock)
}

// UnbindSensor detaches a sensor.
func (d *Document) UnbindSensor(sensorID, node string) {
	d.Clock.Increment(node)
	d.SensorBindings.Remove(sensorID, d.Clock)
}

// Annotate appends to the annotation list.
func (d *Document) Annotate(ann Annotation, node string) {
	d.Clock.Increment(node)
	d.Annotations = mergeAnnotations(d.Annotations, []Annotation{ann})
}

// Heartbeat refreshes a user's presence entry.
func (d *Document) Heartbeat(userID string, meta json.RawMessage, now time.Time) {
	d.Presence[userID] = PresenceEntry{SeenAtMs: now.UnixMilli(), Meta: meta}
}

// ApplyPath routes a dotted-path change onto the matching document field.
// Paths: metadata.<key>, media.<key>, viewer3d.<key>, members.add/remove,
// bindings.add/remove, annotations.append, presence.<user>.
func (d *Document) ApplyPath(path string, value json.RawMessage, node string, now time.Time) error {
	section, rest, found := strings.Cut(path, ".")
	if !found {
		return fmt.Errorf("path %q has no field", path)
	}

	switch section {
	case "metadata":
		d.SetMetadata(rest, value, node, now)
	case "media":
		d.SetMedia(rest, value, node, now)
	case "viewer3d":
		d.SetViewer3D(rest, value, node, now)
	case "members":
		var userID string
		if err := json.Unmarshal(value, &userID); err != nil {
			return fmt.Errorf("members value: %w", err)
		}
		switch rest {
		case "add":
			d.AddMember(userID, node)
		case "remove":
			d.RemoveMember(userID, node)
		default:
			return fmt.Errorf("unknown members op %q", rest)
		}
	case "bindings":
		var sensorID string
		if err := json.Unmarshal(value, &sensorID); err != nil {
			return fmt.Errorf("bindings value: %w", err)
		}
		switch rest {
		case "add":
			d.BindSensor(sensorID, node)
		case "remove":
			d.UnbindSensor(sensorID, node)
		default:
			return fmt.Errorf("unknown bindings op %q", rest)
		}
	case "annotations":
		if rest != "append" {
			return fmt.Errorf("unknown annotations op %q", rest)
		}
		var ann Annotation
		if err := json.Unmarshal(value, &ann); err != nil {
			return fmt.Errorf("annotation value: %w", err)
		}
		d.Annotate(ann, node)
	case "presence":
		d.Heartbeat(rest, value, now)
	default:
		return fmt.Errorf("unknown document section %q", section)
	}
	return nil
}
