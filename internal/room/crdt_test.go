package room

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func raw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// buildReplica seeds a document with a mix of field types.
func buildReplica(roomID, node string, seq int) *Document {
	d := NewDocument(roomID)
	now := time.Date(2026, 8, 24, 12, 0, seq, 0, time.UTC)
	d.SetMetadata("title", raw("room "+node), node, now)
	d.AddMember("user-"+node, node)
	d.BindSensor("sensor-"+node, node)
	d.SetMedia("position", raw(seq*10), node, now)
	d.Annotate(Annotation{
		ID: node + "-a1", Author: node, TimestampMs: now.UnixMilli(), Body: raw("note"),
	}, node)
	return d
}

// canonical reduces a document to a comparable form.
func canonical(t *testing.T, d *Document) string {
	t.Helper()
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestMergeIsCommutative(t *testing.T) {
	a := buildReplica("r1", "nodeA", 1)
	b := buildReplica("r1", "nodeB", 2)

	ab := canonical(t, Merge(a, b))
	ba := canonical(t, Merge(b, a))
	if ab != ba {
		t.Errorf("merge(a,b) != merge(b,a)\n%s\n%s", ab, ba)
	}
}

func TestMergeIsAssociative(t *testing.T) {
	a := buildReplica("r1", "nodeA", 1)
	b := buildReplica("r1", "nodeB", 2)
	c := buildReplica("r1", "nodeC", 3)

	left := canonical(t, Merge(Merge(a, b), c))
	right := canonical(t, Merge(a, Merge(b, c)))
	if left != right {
		t.Errorf("merge not associative\n%s\n%s", left, right)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	a := buildReplica("r1", "nodeA", 1)
	if got := canonical(t, Merge(a, a)); got != canonical(t, a) {
		t.Errorf("merge(a,a) != a\n%s", got)
	}
}

func TestLWWPicksLatestWallClock(t *testing.T) {
	a := NewDocument("r1")
	b := NewDocument("r1")
	a.SetMedia("position", raw(100), "nodeA", time.UnixMilli(1000))
	b.SetMedia("position", raw(150), "nodeB", time.UnixMilli(2000))

	merged := Merge(a, b)
	var pos int
	if err := json.Unmarshal(merged.Media["position"].Value, &pos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pos != 150 {
		t.Errorf("position = %d, want 150 (latest writer)", pos)
	}
}

func TestLWWTieBreaksOnNodeID(t *testing.T) {
	a := NewDocument("r1")
	b := NewDocument("r1")
	at := time.UnixMilli(1000)
	a.SetMetadata("title", raw("from A"), "nodeA", at)
	b.SetMetadata("title", raw("from B"), "nodeB", at)

	forward := Merge(a, b).Metadata["title"]
	reverse := Merge(b, a).Metadata["title"]
	if forward.Node != reverse.Node {
		t.Fatalf("tiebreak not deterministic: %s vs %s", forward.Node, reverse.Node)
	}
	if forward.Node != "nodeB" {
		t.Errorf("winner = %s, want nodeB (higher node id)", forward.Node)
	}
}

// Concurrent remove-vs-re-add: the removal observed the original membership,
// the re-add did not observe the removal, so the tombstone wins.
func TestRemovalSurvivesConcurrentReAdd(t *testing.T) {
	origin := NewDocument("r1")
	origin.AddMember("uX", "nodeA")

	replicaA := Merge(origin, NewDocument("r1"))
	replicaB := Merge(origin, NewDocument("r1"))

	// Partition: A re-adds and bumps media; B removes and bumps media later.
	replicaA.AddMember("uX", "nodeA")
	replicaA.SetMedia("position", raw(100), "nodeA", time.UnixMilli(1000))
	replicaB.RemoveMember("uX", "nodeB")
	replicaB.SetMedia("position", raw(150), "nodeB", time.UnixMilli(2000))

	mergedA := Merge(replicaA, replicaB)
	mergedB := Merge(replicaB, replicaA)

	if mergedA.Members.Contains("uX") {
		t.Error("tombstoned member resurrected by a concurrent re-add")
	}
	var pos int
	json.Unmarshal(mergedA.Media["position"].Value, &pos)
	if pos != 150 {
		t.Errorf("position = %d, want 150", pos)
	}
	if canonical(t, mergedA) != canonical(t, mergedB) {
		t.Error("replicas diverged after exchange")
	}
}

func TestCausalReAddRestoresMembership(t *testing.T) {
	d := NewDocument("r1")
	d.AddMember("uX", "nodeA")
	d.RemoveMember("uX", "nodeA")
	if d.Members.Contains("uX") {
		t.Fatal("member present after causal removal")
	}

	// The re-add happens after observing the removal, so it dominates.
	d.AddMember("uX", "nodeA")
	if !d.Members.Contains("uX") {
		t.Error("causally later re-add did not restore membership")
	}
}

func TestAnnotationsMergeOrdered(t *testing.T) {
	a := NewDocument("r1")
	b := NewDocument("r1")
	a.Annotate(Annotation{ID: "a1", Author: "alice", TimestampMs: 200, Body: raw("second")}, "nodeA")
	b.Annotate(Annotation{ID: "b1", Author: "bob", TimestampMs: 100, Body: raw("first")}, "nodeB")
	b.Annotate(Annotation{ID: "b2", Author: "bob", TimestampMs: 200, Body: raw("tied")}, "nodeB")

	merged := Merge(a, b)
	if len(merged.Annotations) != 3 {
		t.Fatalf("annotation count = %d, want 3", len(merged.Annotations))
	}
	ids := []string{merged.Annotations[0].ID, merged.Annotations[1].ID, merged.Annotations[2].ID}
	// (100,bob), then at ts 200 alice < bob.
	want := []string{"b1", "a1", "b2"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
}

func TestPresenceExpiry(t *testing.T) {
	d := NewDocument("r1")
	now := time.Now()
	d.Heartbeat("fresh", nil, now)
	d.Heartbeat("stale", nil, now.Add(-PresenceTTL-time.Second))

	active := d.ActivePresence(now)
	if _, ok := active["fresh"]; !ok {
		t.Error("fresh heartbeat expired early")
	}
	if _, ok := active["stale"]; ok {
		t.Error("stale heartbeat still present")
	}
}

func TestPresenceMergeKeepsNewestHeartbeat(t *testing.T) {
	a := NewDocument("r1")
	b := NewDocument("r1")
	a.Heartbeat("uX", nil, time.UnixMilli(1000))
	b.Heartbeat("uX", nil, time.UnixMilli(5000))

	merged := Merge(a, b)
	if merged.Presence["uX"].SeenAtMs != 5000 {
		t.Errorf("heartbeat = %d, want 5000", merged.Presence["uX"].SeenAtMs)
	}
}

func TestApplyPathRoutesEverySection(t *testing.T) {
	d := NewDocument("r1")
	now := time.Now()

	steps := []struct {
		path  string
		value json.RawMessage
	}{
		{"metadata.title", raw("ICU bay 3")},
		{"media.position", raw(42)},
		{"viewer3d.camera", raw([]float64{0, 1, 2})},
		{"members.add", raw("uA")},
		{"bindings.add", raw("s1")},
		{"annotations.append", raw(Annotation{ID: "n1", Author: "uA", TimestampMs: now.UnixMilli()})},
		{"presence.uA", raw(map[string]string{"view": "grid"})},
	}
	for _, s := range steps {
		if err := d.ApplyPath(s.path, s.value, "nodeA", now); err != nil {
			t.Fatalf("apply %s: %v", s.path, err)
		}
	}

	if _, ok := d.Metadata["title"]; !ok {
		t.Error("metadata not set")
	}
	if !d.Members.Contains("uA") || !d.SensorBindings.Contains("s1") {
		t.Error("set sections not applied")
	}
	if len(d.Annotations) != 1 {
		t.Error("annotation not appended")
	}
	if _, ok := d.Presence["uA"]; !ok {
		t.Error("presence not recorded")
	}

	if err := d.ApplyPath("bogus.path", raw(1), "nodeA", now); err == nil {
		t.Error("unknown section accepted")
	}
	if err := d.ApplyPath("nodot", raw(1), "nodeA", now); err == nil {
		t.Error("fieldless path accepted")
	}
}
