package room

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/fabric"
	"github.com/sensocto/sensocto-go/internal/types"
)

func newTestManager(t *testing.T, node string, b *bus.Bus, store *SnapshotStore) *Manager {
	t.Helper()
	m := NewManager(node, b, fabric.NewRegistry(nil), store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestApplyChangeAndGetState(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := newTestManager(t, "nodeA", b, nil)

	if err := m.ApplyChange("r1", "metadata.title", raw("ward 4")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.ApplyChange("r1", "members.add", raw("uA")); err != nil {
		t.Fatalf("apply member: %v", err)
	}

	doc, err := m.GetState("r1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	var title string
	json.Unmarshal(doc.Metadata["title"].Value, &title)
	if title != "ward 4" {
		t.Errorf("title = %q, want ward 4", title)
	}
	if !doc.Members.Contains("uA") {
		t.Error("member missing from state")
	}
}

func TestStateReturnsACopy(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := newTestManager(t, "nodeA", b, nil)

	m.ApplyChange("r1", "metadata.title", raw("original"))
	doc, err := m.GetState("r1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	doc.Metadata["title"] = LWWRegister{Value: raw("mutated"), TimestampMs: 1, Node: "evil"}

	fresh, _ := m.GetState("r1")
	var title string
	json.Unmarshal(fresh.Metadata["title"].Value, &title)
	if title != "original" {
		t.Error("mutating a returned state leaked into the document")
	}
}

func TestSubscribersSeeChanges(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := newTestManager(t, "nodeA", b, nil)

	sub, err := m.Subscribe("r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := m.ApplyChange("r1", "media.position", raw(42)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	select {
	case msg := <-sub.C():
		ev := msg.Data.(ChangeEvent)
		if ev.RoomID != "r1" {
			t.Errorf("event room = %s", ev.RoomID)
		}
		var pos int
		json.Unmarshal(ev.Doc.Media["position"].Value, &pos)
		if pos != 42 {
			t.Errorf("event position = %d, want 42", pos)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}
}

func TestGossipConvergesTwoNodes(t *testing.T) {
	// Both managers share one bus, standing in for the cross-node transport.
	b := bus.New()
	defer b.Close()
	ma := newTestManager(t, "nodeA", b, nil)
	mb := newTestManager(t, "nodeB", b, nil)

	if err := ma.ApplyChange("r1", "metadata.title", raw("from A")); err != nil {
		t.Fatalf("apply on A: %v", err)
	}
	if err := mb.ApplyChange("r1", "members.add", raw("uB")); err != nil {
		t.Fatalf("apply on B: %v", err)
	}

	// Debounced gossip flushes within ~100 ms; wait for both edits on both.
	deadline := time.Now().Add(3 * time.Second)
	for {
		docA, errA := ma.GetState("r1")
		docB, errB := mb.GetState("r1")
		if errA == nil && errB == nil {
			_, aHasTitle := docA.Metadata["title"]
			_, bHasTitle := docB.Metadata["title"]
			if aHasTitle && bHasTitle && docA.Members.Contains("uB") && docB.Members.Contains("uB") {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("replicas did not converge")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRemoteMergeIsImmediate(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := newTestManager(t, "nodeA", b, nil)
	if _, err := m.SpawnRoom("r1"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	remote := NewDocument("r1")
	remote.SetMetadata("title", raw("remote edit"), "nodeB", time.Now())
	b.Publish(types.TopicRoomCRDT("r1"), GossipUpdate{Origin: "nodeB", Document: remote})

	deadline := time.Now().Add(2 * time.Second)
	for {
		doc, err := m.GetState("r1")
		if err == nil {
			if _, ok := doc.Metadata["title"]; ok {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("remote change never merged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnRoomIsIdempotent(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := newTestManager(t, "nodeA", b, nil)

	w1, err := m.SpawnRoom("r1")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	w2, err := m.SpawnRoom("r1")
	if err != nil {
		t.Fatalf("respawn: %v", err)
	}
	if w1 != w2 {
		t.Error("second spawn created a new worker")
	}
	if len(m.Rooms()) != 1 {
		t.Errorf("room count = %d, want 1", len(m.Rooms()))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, err := NewSnapshotStore(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	doc := buildReplica("r1", "nodeA", 1)
	hash, err := store.Save(doc)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if hash == "" {
		t.Fatal("empty content hash")
	}

	// Content addressing: identical state, identical hash.
	again, err := store.Save(doc)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if again != hash {
		t.Errorf("same document produced different hashes: %s vs %s", hash, again)
	}

	restored, ok, err := store.LoadLatest("r1")
	if err != nil || !ok {
		t.Fatalf("load latest: ok=%v err=%v", ok, err)
	}
	if canonical(t, restored) != canonical(t, doc) {
		t.Error("restored document differs from saved state")
	}

	byHash, ok, err := store.Load(hash)
	if err != nil || !ok {
		t.Fatalf("load by hash: ok=%v err=%v", ok, err)
	}
	if canonical(t, byHash) != canonical(t, doc) {
		t.Error("hash lookup returned a different document")
	}

	if _, ok, _ := store.LoadLatest("ghost"); ok {
		t.Error("unknown room returned a snapshot")
	}
}

func TestWorkerRestoresFromSnapshot(t *testing.T) {
	store, err := NewSnapshotStore(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	seed := NewDocument("r1")
	seed.SetMetadata("title", raw("persisted"), "nodeA", time.Now())
	if _, err := store.Save(seed); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	b := bus.New()
	defer b.Close()
	m := newTestManager(t, "nodeA", b, store)
	if _, err := m.SpawnRoom("r1"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		doc, err := m.GetState("r1")
		if err == nil {
			if reg, ok := doc.Metadata["title"]; ok {
				var title string
				json.Unmarshal(reg.Value, &title)
				if title == "persisted" {
					return
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not restore the snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
