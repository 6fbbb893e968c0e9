// Package catalog persists sensor identity: which sensors exist, who owns
// them, and which attributes each has declared. The catalog is advisory
// metadata; the ingestion path never blocks on it.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/types"
)

// Store is the SQLite-backed sensor catalog.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the catalog database.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := `
		CREATE TABLE IF NOT EXISTS sensors (
			sensor_id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sensors_owner ON sensors(owner);

		CREATE TABLE IF NOT EXISTS sensor_attributes (
			sensor_id TEXT NOT NULL,
			attribute_id TEXT NOT NULL,
			type TEXT NOT NULL,
			PRIMARY KEY (sensor_id, attribute_id)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Sensor catalog initialized")
	return &Store{db: db}, nil
}

// UpsertSensor records a sensor sighting. First insert sets first_seen;
// every later call only advances last_seen and fills in type/owner when the
// stored value is still empty.
func (s *Store) UpsertSensor(ctx context.Context, info types.SensorInfo) error {
	firstSeen := info.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}
	lastSeen := info.LastSeen
	if lastSeen.IsZero() {
		lastSeen = firstSeen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensors (sensor_id, type, owner, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sensor_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			type = CASE WHEN sensors.type = '' THEN excluded.type ELSE sensors.type END,
			owner = CASE WHEN sensors.owner = '' THEN excluded.owner ELSE sensors.owner END`,
		info.SensorID, info.Type, info.Owner,
		firstSeen.UnixMilli(), lastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert sensor %s: %w", info.SensorID, err)
	}
	return nil
}

// UpsertAttribute records a declared attribute. The attribute's payload type
// is immutable once stored; a conflicting redeclaration is an error.
func (s *Store) UpsertAttribute(ctx context.Context, info types.AttributeInfo) error {
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT type FROM sensor_attributes WHERE sensor_id = ? AND attribute_id = ?`,
		info.SensorID, info.AttributeID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO sensor_attributes (sensor_id, attribute_id, type)
			VALUES (?, ?, ?)`,
			info.SensorID, info.AttributeID, string(info.Type))
		if err != nil {
			return fmt.Errorf("failed to insert attribute %s/%s: %w", info.SensorID, info.AttributeID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read attribute %s/%s: %w", info.SensorID, info.AttributeID, err)
	}

	if existing != string(info.Type) {
		return cerr.InvalidPayload(info.SensorID, info.AttributeID,
			fmt.Errorf("attribute type is %s, cannot redeclare as %s", existing, info.Type))
	}
	return nil
}

// GetSensor fetches one catalog record.
func (s *Store) GetSensor(ctx context.Context, sensorID string) (types.SensorInfo, error) {
	var (
		info                types.SensorInfo
		firstSeen, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sensor_id, type, owner, first_seen, last_seen
		FROM sensors WHERE sensor_id = ?`, sensorID).
		Scan(&info.SensorID, &info.Type, &info.Owner, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SensorInfo{}, cerr.New(cerr.CodeNotFound, "get_sensor", cerr.ErrNotFound).WithSensor(sensorID)
	}
	if err != nil {
		return types.SensorInfo{}, fmt.Errorf("failed to read sensor %s: %w", sensorID, err)
	}
	info.FirstSeen = time.UnixMilli(firstSeen)
	info.LastSeen = time.UnixMilli(lastSeen)
	return info, nil
}

// ListSensors returns the catalog records for one owner, newest activity
// first. An empty owner lists everything.
func (s *Store) ListSensors(ctx context.Context, owner string) ([]types.SensorInfo, error) {
	query := `
		SELECT sensor_id, type, owner, first_seen, last_seen
		FROM sensors`
	args := []interface{}{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY last_seen DESC, sensor_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}
	defer rows.Close()

	var out []types.SensorInfo
	for rows.Next() {
		var (
			info                types.SensorInfo
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&info.SensorID, &info.Type, &info.Owner, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan sensor row: %w", err)
		}
		info.FirstSeen = time.UnixMilli(firstSeen)
		info.LastSeen = time.UnixMilli(lastSeen)
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetAttributes lists the declared attributes for one sensor.
func (s *Store) GetAttributes(ctx context.Context, sensorID string) ([]types.AttributeInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sensor_id, attribute_id, type
		FROM sensor_attributes WHERE sensor_id = ?
		ORDER BY attribute_id`, sensorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributes for %s: %w", sensorID, err)
	}
	defer rows.Close()

	var out []types.AttributeInfo
	for rows.Next() {
		var info types.AttributeInfo
		if err := rows.Scan(&info.SensorID, &info.AttributeID, &info.Type); err != nil {
			return nil, fmt.Errorf("failed to scan attribute row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
