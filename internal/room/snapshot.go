package room

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SnapshotStore persists room documents content-addressed by the SHA-256 of
// their canonical JSON. Idle rooms snapshot on shutdown; a later join, or a
// surviving node after failover, restarts the worker from the latest one.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore opens (or creates) the snapshot database.
func NewSnapshotStore(dbPath string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// WAL keeps snapshot writes from blocking restores.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := `
		CREATE TABLE IF NOT EXISTS room_snapshots (
			hash TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			document BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_room_time
		ON room_snapshots(room_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Room snapshot store initialized")
	return &SnapshotStore{db: db}, nil
}

// Save persists the document and returns its content hash. Saving the same
// state twice is a no-op returning the same hash.
func (s *SnapshotStore) Save(doc *Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO room_snapshots (hash, room_id, created_at, document)
		VALUES (?, ?, ?, ?)`,
		hash, doc.RoomID, time.Now().UnixMilli(), raw)
	if err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return hash, nil
}

// LoadLatest restores the newest snapshot for a room, or ok=false when the
// room has never been persisted.
func (s *SnapshotStore) LoadLatest(roomID string) (*Document, bool, error) {
	var raw []byte
	err := s.db.QueryRow(`
		SELECT document FROM room_snapshots
		WHERE room_id = ?
		ORDER BY created_at DESC, hash DESC
		LIMIT 1`, roomID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	doc := NewDocument(roomID)
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return doc, true, nil
}

// Load fetches a snapshot by content hash.
func (s *SnapshotStore) Load(hash string) (*Document, bool, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT document FROM room_snapshots WHERE hash = ?`, hash).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &doc, true, nil
}

// Prune deletes snapshots older than the retention horizon, keeping the
// newest one per room.
func (s *SnapshotStore) Prune(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	_, err := s.db.Exec(`
		DELETE FROM room_snapshots
		WHERE created_at < ?
		  AND hash NOT IN (
			SELECT hash FROM room_snapshots rs
			WHERE rs.room_id = room_snapshots.room_id
			ORDER BY rs.created_at DESC LIMIT 1
		  )`, cutoff)
	return err
}

// Close releases the database handle.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
