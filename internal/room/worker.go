package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/types"
)

const (
	// IdleShutdown is how long a room survives with zero members before it
	// snapshots and exits.
	IdleShutdown = 5 * time.Minute
	// GossipDebounce coalesces rapid local edits to one field before the
	// change gossips out. Remote merges are never delayed.
	GossipDebounce = 100 * time.Millisecond

	roomMailboxSize = 1024
	replyTimeout    = 5 * time.Second
)

// GossipUpdate is the payload exchanged on room:{id}:crdt.
type GossipUpdate struct {
	Origin   string    `json:"origin"`
	Document *Document `json:"document"`
}

// ChangeEvent notifies local subscribers that the document moved.
type ChangeEvent struct {
	RoomID string
	Doc    *Document
}

type roomMsg interface{}

type applyMsg struct {
	path  string
	value json.RawMessage
	reply chan error
}

type stateMsg struct {
	reply chan *Document
}

type subscribeMsg struct {
	reply chan *bus.Subscription
}

// Worker owns one room document. All mutation happens on its goroutine;
// remote replicas converge through Merge.
type Worker struct {
	roomID   string
	node     string
	eventBus *bus.Bus
	store    *SnapshotStore
	mailbox  chan roomMsg
}

// NewWorker builds a room worker; Run restores the last snapshot if any.
func NewWorker(roomID, node string, eventBus *bus.Bus, store *SnapshotStore) *Worker {
	return &Worker{
		roomID:   roomID,
		node:     node,
		eventBus: eventBus,
		store:    store,
		mailbox:  make(chan roomMsg, roomMailboxSize),
	}
}

// RoomID returns the owned room.
func (w *Worker) RoomID() string {
	return w.roomID
}

// MailboxDepth reports the backlog for the load monitor.
func (w *Worker) MailboxDepth() int {
	return len(w.mailbox)
}

// Apply routes one dotted-path change into the document.
func (w *Worker) Apply(path string, value json.RawMessage) error {
	msg := applyMsg{path: path, value: value, reply: make(chan error, 1)}
	select {
	case w.mailbox <- msg:
	default:
		return cerr.New(cerr.CodeSubscriberOverflow, "apply_change", fmt.Errorf("room mailbox full"))
	}
	select {
	case err := <-msg.reply:
		return err
	case <-time.After(replyTimeout):
		return cerr.New(cerr.CodeTimeout, "apply_change", cerr.ErrTimeout)
	}
}

// State returns a copy of the current document.
func (w *Worker) State() (*Document, error) {
	msg := stateMsg{reply: make(chan *Document, 1)}
	select {
	case w.mailbox <- msg:
	default:
		return nil, cerr.New(cerr.CodeSubscriberOverflow, "get_state", fmt.Errorf("room mailbox full"))
	}
	select {
	case doc := <-msg.reply:
		return doc, nil
	case <-time.After(replyTimeout):
		return nil, cerr.New(cerr.CodeTimeout, "get_state", cerr.ErrTimeout)
	}
}

// Subscribe returns a stream of ChangeEvent for this room.
func (w *Worker) Subscribe() *bus.Subscription {
	return w.eventBus.Subscribe(changeTopic(w.roomID))
}

func changeTopic(roomID string) string {
	return fmt.Sprintf("room:%s:changes", roomID)
}

// Run is the worker body. It restores from the latest snapshot, merges gossip
// from peer replicas, debounces local edits outward, and exits cleanly after
// the idle window, persisting a final snapshot.
func (w *Worker) Run(ctx context.Context) error {
	doc := NewDocument(w.roomID)
	if w.store != nil {
		if restored, ok, err := w.store.LoadLatest(w.roomID); err != nil {
			log.Warn().Err(err).Str("room", w.roomID).Msg("Snapshot restore failed, starting empty")
		} else if ok {
			doc = restored
			log.Info().Str("room", w.roomID).Msg("Room restored from snapshot")
		}
	}

	gossip := w.eventBus.Subscribe(types.TopicRoomCRDT(w.roomID))
	defer gossip.Unsubscribe()

	// flushAt holds the gossip deadline per dirty field.
	flushAt := make(map[string]time.Time)
	flushTick := time.NewTicker(25 * time.Millisecond)
	defer flushTick.Stop()
	idleTick := time.NewTicker(30 * time.Second)
	defer idleTick.Stop()

	lastOccupied := time.Now()

	snapshot := func() {
		if w.store == nil {
			return
		}
		if hash, err := w.store.Save(doc); err != nil {
			log.Warn().Err(err).Str("room", w.roomID).Msg("Snapshot save failed")
		} else {
			log.Debug().Str("room", w.roomID).Str("hash", hash[:12]).Msg("Room snapshot persisted")
		}
	}

	for {
		select {
		case <-ctx.Done():
			snapshot()
			return nil

		case msg := <-w.mailbox:
			switch m := msg.(type) {
			case applyMsg:
				err := doc.ApplyPath(m.path, m.value, w.node, time.Now())
				if err == nil {
					if _, pending := flushAt[m.path]; !pending {
						flushAt[m.path] = time.Now().Add(GossipDebounce)
					}
					w.eventBus.Publish(changeTopic(w.roomID), ChangeEvent{RoomID: w.roomID, Doc: doc.Clone()})
				}
				m.reply <- err
			case stateMsg:
				m.reply <- doc.Clone()
			}

		case msg, ok := <-gossip.C():
			if !ok {
				return fmt.Errorf("gossip subscription lost")
			}
			update, valid := msg.Data.(GossipUpdate)
			if !valid || update.Origin == w.node || update.Document == nil {
				continue
			}
			doc = Merge(doc, update.Document)
			w.eventBus.Publish(changeTopic(w.roomID), ChangeEvent{RoomID: w.roomID, Doc: doc.Clone()})

		case now := <-flushTick.C:
			due := false
			for field, at := range flushAt {
				if !now.Before(at) {
					delete(flushAt, field)
					due = true
				}
			}
			if due {
				w.eventBus.Publish(types.TopicRoomCRDT(w.roomID), GossipUpdate{
					Origin:   w.node,
					Document: doc.Clone(),
				})
			}

		case now := <-idleTick.C:
			if len(doc.Members.Elements()) > 0 {
				lastOccupied = now
				continue
			}
			if now.Sub(lastOccupied) >= IdleShutdown {
				log.Info().Str("room", w.roomID).Msg("Room idle, snapshotting and shutting down")
				snapshot()
				return nil
			}
		}
	}
}
