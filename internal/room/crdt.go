// Package room hosts collaborative room documents: CRDT state replicated
// over the pub/sub gossip topic, one supervised worker per active room, and
// content-addressed snapshots for idle shutdown and node handoff.
package room

import (
	"encoding/json"
	"sort"
	"time"
)

// VectorClock tracks causality per node.
type VectorClock map[string]uint64

// Increment bumps this node's component, returning the clock for chaining.
func (vc VectorClock) Increment(node string) VectorClock {
	vc[node]++
	return vc
}

// Merge folds other into vc, taking the pointwise maximum.
func (vc VectorClock) Merge(other VectorClock) {
	for node, n := range other {
		if n > vc[node] {
			vc[node] = n
		}
	}
}

// Copy returns an independent clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for node, n := range vc {
		out[node] = n
	}
	return out
}

// DominatesOrEquals reports whether vc is causally at or after other: every
// component of other is covered by vc.
func (vc VectorClock) DominatesOrEquals(other VectorClock) bool {
	for node, n := range other {
		if vc[node] < n {
			return false
		}
	}
	return true
}

// Dominates reports strict causal ordering: at-or-after plus at least one
// component strictly greater.
func (vc VectorClock) Dominates(other VectorClock) bool {
	if !vc.DominatesOrEquals(other) {
		return false
	}
	for node, n := range vc {
		if n > other[node] {
			return true
		}
	}
	return false
}

// LWWRegister is a last-writer-wins scalar. Ties on wall clock break on node
// ID so every replica picks the same winner.
type LWWRegister struct {
	Value       json.RawMessage `json:"value"`
	TimestampMs int64           `json:"timestamp_ms"`
	Node        string          `json:"node"`
}

// merge returns the winning register.
func (r LWWRegister) merge(other LWWRegister) LWWRegister {
	switch {
	case other.TimestampMs > r.TimestampMs:
		return other
	case other.TimestampMs < r.TimestampMs:
		return r
	case other.Node > r.Node:
		return other
	default:
		return r
	}
}

// ORSet is an observed-remove set. Removals carry the remover's clock as a
// tombstone; an element stays removed unless a later add causally dominates
// the tombstone, so a concurrent re-add cannot resurrect it.
type ORSet struct {
	Adds       map[string]VectorClock `json:"adds"`
	Tombstones map[string]VectorClock `json:"tombstones"`
}

// NewORSet builds an empty set.
func NewORSet() ORSet {
	return ORSet{
		Adds:       make(map[string]VectorClock),
		Tombstones: make(map[string]VectorClock),
	}
}

// Add records elem at the given causal point.
func (s ORSet) Add(elem string, clock VectorClock) {
	existing, ok := s.Adds[elem]
	if !ok {
		s.Adds[elem] = clock.Copy()
		return
	}
	existing.Merge(clock)
}

// Remove tombstones elem at the given causal point.
func (s ORSet) Remove(elem string, clock VectorClock) {
	existing, ok := s.Tombstones[elem]
	if !ok {
		s.Tombstones[elem] = clock.Copy()
		return
	}
	existing.Merge(clock)
}

// Contains applies the remove-unless-dominated rule.
func (s ORSet) Contains(elem string) bool {
	add, ok := s.Adds[elem]
	if !ok {
		return false
	}
	tomb, removed := s.Tombstones[elem]
	if !removed {
		return true
	}
	return add.Dominates(tomb)
}

// Elements lists the present elements, sorted.
func (s ORSet) Elements() []string {
	out := make([]string, 0, len(s.Adds))
	for elem := range s.Adds {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	sort.Strings(out)
	return out
}

// merge unions adds and tombstones of both sets.
func (s ORSet) merge(other ORSet) ORSet {
	out := NewORSet()
	for elem, clock := range s.Adds {
		out.Adds[elem] = clock.Copy()
	}
	for elem, clock := range other.Adds {
		if existing, ok := out.Adds[elem]; ok {
			existing.Merge(clock)
		} else {
			out.Adds[elem] = clock.Copy()
		}
	}
	for elem, clock := range s.Tombstones {
		out.Tombstones[elem] = clock.Copy()
	}
	for elem, clock := range other.Tombstones {
		if existing, ok := out.Tombstones[elem]; ok {
			existing.Merge(clock)
		} else {
			out.Tombstones[elem] = clock.Copy()
		}
	}
	return out
}

// Annotation is one append-only list entry, ordered by (timestamp, author).
type Annotation struct {
	ID          string          `json:"id"`
	Author      string          `json:"author"`
	TimestampMs int64           `json:"timestamp_ms"`
	Body        json.RawMessage `json:"body"`
}

func (a Annotation) less(b Annotation) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	return a.ID < b.ID
}

// mergeAnnotations unions two ordered lists, deduplicating by ID.
func mergeAnnotations(a, b []Annotation) []Annotation {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]Annotation, 0, len(a)+len(b))
	for _, list := range [][]Annotation{a, b} {
		for _, ann := range list {
			if _, dup := seen[ann.ID]; dup {
				continue
			}
			seen[ann.ID] = struct{}{}
			out = append(out, ann)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// PresenceTTL expires presence entries after silence, measured on the local
// receipt clock so peer clock skew cannot pin an entry alive.
const PresenceTTL = 30 * time.Second

// PresenceEntry is one observer's heartbeat state.
type PresenceEntry struct {
	SeenAtMs int64           `json:"seen_at_ms"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// Document is the full CRDT state of one room.
type Document struct {
	RoomID         string                   `json:"room_id"`
	Metadata       map[string]LWWRegister   `json:"metadata"`
	Members        ORSet                    `json:"members"`
	SensorBindings ORSet                    `json:"sensor_bindings"`
	Media          map[string]LWWRegister   `json:"media"`
	Viewer3D       map[string]LWWRegister   `json:"viewer3d"`
	Presence       map[string]PresenceEntry `json:"presence"`
	Annotations    []Annotation             `json:"annotations"`
	Clock          VectorClock              `json:"clock"`
}

// NewDocument builds an empty room document.
func NewDocument(roomID string) *Document {
	return &Document{
		RoomID:         roomID,
		Metadata:       make(map[string]LWWRegister),
		Members:        NewORSet(),
		SensorBindings: NewORSet(),
		Media:          make(map[string]LWWRegister),
		Viewer3D:       make(map[string]LWWRegister),
		Presence:       make(map[string]PresenceEntry),
		Annotations:    nil,
		Clock:          make(VectorClock),
	}
}

func mergeRegisters(a, b map[string]LWWRegister) map[string]LWWRegister {
	out := make(map[string]LWWRegister, len(a)+len(b))
	for k, reg := range a {
		out[k] = reg
	}
	for k, reg := range b {
		if existing, ok := out[k]; ok {
			out[k] = existing.merge(reg)
		} else {
			out[k] = reg
		}
	}
	return out
}

func mergePresence(a, b map[string]PresenceEntry) map[string]PresenceEntry {
	out := make(map[string]PresenceEntry, len(a)+len(b))
	for user, e := range a {
		out[user] = e
	}
	for user, e := range b {
		if existing, ok := out[user]; ok && existing.SeenAtMs >= e.SeenAtMs {
			continue
		}
		out[user] = e
	}
	return out
}

// Merge computes the join of two documents. It is commutative, associative,
// and idempotent; neither input is mutated.
func Merge(a, b *Document) *Document {
	out := NewDocument(a.RoomID)
	out.Metadata = mergeRegisters(a.Metadata, b.Metadata)
	out.Members = a.Members.merge(b.Members)
	out.SensorBindings = a.SensorBindings.merge(b.SensorBindings)
	out.Media = mergeRegisters(a.Media, b.Media)
	out.Viewer3D = mergeRegisters(a.Viewer3D, b.Viewer3D)
	out.Presence = mergePresence(a.Presence, b.Presence)
	out.Annotations = mergeAnnotations(a.Annotations, b.Annotations)
	out.Clock = a.Clock.Copy()
	out.Clock.Merge(b.Clock)
	return out
}

// ActivePresence returns the unexpired presence entries at the given time.
func (d *Document) ActivePresence(now time.Time) map[string]PresenceEntry {
	cutoff := now.Add(-PresenceTTL).UnixMilli()
	out := make(map[string]PresenceEntry)
	for user, e := range d.Presence {
		if e.SeenAtMs >= cutoff {
			out[user] = e
		}
	}
	return out
}

// Clone deep-copies the document through its JSON form. Snapshot and
// subscriber fan-out both need a copy the worker cannot mutate later.
func (d *Document) Clone() *Document {
	raw, err := json.Marshal(d)
	if err != nil {
		return NewDocument(d.RoomID)
	}
	out := NewDocument(d.RoomID)
	if err := json.Unmarshal(raw, out); err != nil {
		return NewDocument(d.RoomID)
	}
	return out
}
