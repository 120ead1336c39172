package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/google/uuid"
)

// ObjectStore mirrors the object model into the database. It implements
// worldmodel.Publisher; write failures are logged and never reach the
// tracker.
type ObjectStore struct {
	db            *DB
	sessionID     string
	recordHistory bool
}

// NewObjectStore creates a store. Every process run gets its own session id
// so history from different runs can be told apart.
func NewObjectStore(db *DB, recordHistory bool) *ObjectStore {
	return &ObjectStore{db: db, sessionID: uuid.NewString(), recordHistory: recordHistory}
}

// SessionID identifies this run in object_events.
func (s *ObjectStore) SessionID() string { return s.sessionID }

func formatStamp(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// SaveObject upserts one object and, when history is enabled, appends it to
// object_events.
func (s *ObjectStore) SaveObject(ctx context.Context, obj worldmodel.Object) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	p := obj.Pose.Position
	stamp := formatStamp(obj.Header.Stamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO objects (object_id, class_id, state, support, frame_id, stamp, x, y, z, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(object_id) DO UPDATE SET
			class_id = excluded.class_id,
			state = excluded.state,
			support = excluded.support,
			frame_id = excluded.frame_id,
			stamp = excluded.stamp,
			x = excluded.x, y = excluded.y, z = excluded.z,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP`,
		obj.Info.ObjectID, obj.Info.ClassID, int(obj.State), obj.Info.Support,
		obj.Header.FrameID, stamp, p.X, p.Y, p.Z, string(payload))
	if err != nil {
		return fmt.Errorf("upsert object %s: %w", obj.Info.ObjectID, err)
	}

	if s.recordHistory {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO object_events (session_id, object_id, class_id, state, support, x, y, z, stamp, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.sessionID, obj.Info.ObjectID, obj.Info.ClassID, int(obj.State), obj.Info.Support,
			p.X, p.Y, p.Z, stamp, string(payload))
		if err != nil {
			return fmt.Errorf("record event for %s: %w", obj.Info.ObjectID, err)
		}
	}
	return tx.Commit()
}

// Prune deletes every stored object whose id is not in objects. An empty
// snapshot clears the table.
func (s *ObjectStore) Prune(ctx context.Context, objects []worldmodel.Object) error {
	if len(objects) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM objects`)
		return err
	}
	ids := make([]interface{}, len(objects))
	for i, o := range objects {
		ids[i] = o.Info.ObjectID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE object_id NOT IN (`+placeholders+`)`, ids...)
	return err
}

func (s *ObjectStore) PublishObject(ctx context.Context, obj worldmodel.Object) {
	if err := s.SaveObject(ctx, obj); err != nil {
		monitoring.Logf("[DB] Failed to save object: %v", err)
	}
}

func (s *ObjectStore) PublishModel(ctx context.Context, objects []worldmodel.Object) {
	if err := s.Prune(ctx, objects); err != nil {
		monitoring.Logf("[DB] Failed to prune objects: %v", err)
	}
}

// LoadObjects returns the stored objects in the order they were first
// saved.
func (s *ObjectStore) LoadObjects(ctx context.Context) ([]worldmodel.Object, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM objects ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayloads(rows)
}

// History returns up to limit recorded updates of one object, oldest
// first. A limit of zero or less returns everything.
func (s *ObjectStore) History(ctx context.Context, objectID string, limit int) ([]worldmodel.Object, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM (
			SELECT event_id, payload FROM object_events
			WHERE object_id = ?
			ORDER BY event_id DESC
			LIMIT ?
		) ORDER BY event_id`, objectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayloads(rows)
}

// EventCount returns the number of history rows, optionally for one
// session.
func (s *ObjectStore) EventCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	var err error
	if sessionID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM object_events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM object_events WHERE session_id = ?`, sessionID).Scan(&n)
	}
	return n, err
}

func scanPayloads(rows *sql.Rows) ([]worldmodel.Object, error) {
	var out []worldmodel.Object
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var obj worldmodel.Object
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			return nil, fmt.Errorf("decode stored object: %w", err)
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}
