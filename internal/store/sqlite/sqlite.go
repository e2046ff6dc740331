package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sketchhub/sketchd/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS sketches (
			sketch_id TEXT PRIMARY KEY,
			lease_id TEXT NOT NULL,
			hostname TEXT,
			stage TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			preview_url TEXT,
			modified_files_json TEXT NOT NULL,
			created_ts_unix_ns INTEGER NOT NULL,
			updated_ts_unix_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS leases (
			lease_id TEXT PRIMARY KEY,
			expires_at_unix_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at_unix_ns);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			sketch_id TEXT NOT NULL,
			type TEXT NOT NULL,
			epoch INTEGER,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_sketch_ts ON events(sketch_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) GetSketch(ctx context.Context, id string) (types.Sketch, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sketch_id, lease_id, hostname, stage, epoch, preview_url,
		       modified_files_json, created_ts_unix_ns, updated_ts_unix_ns
		FROM sketches WHERE sketch_id = ?`, id)

	var sk types.Sketch
	var hostname, previewURL sql.NullString
	var filesJSON string
	var createdNS, updatedNS int64
	err := row.Scan(&sk.ID, &sk.LeaseID, &hostname, &sk.Stage, &sk.Epoch,
		&previewURL, &filesJSON, &createdNS, &updatedNS)
	if err == sql.ErrNoRows {
		return types.Sketch{}, false, nil
	}
	if err != nil {
		return types.Sketch{}, false, fmt.Errorf("get sketch: %w", err)
	}
	sk.Hostname = hostname.String
	sk.PreviewURL = previewURL.String
	if err := json.Unmarshal([]byte(filesJSON), &sk.ModifiedFiles); err != nil {
		return types.Sketch{}, false, fmt.Errorf("unmarshal modified files: %w", err)
	}
	sk.CreatedAt = time.Unix(0, createdNS).UTC()
	sk.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return sk, true, nil
}

func (s *Store) PutSketch(ctx context.Context, sk types.Sketch) error {
	if sk.ID == "" {
		return fmt.Errorf("sketch missing id")
	}
	now := time.Now().UTC()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now

	files := sk.ModifiedFiles
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal modified files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sketches(
			sketch_id, lease_id, hostname, stage, epoch, preview_url,
			modified_files_json, created_ts_unix_ns, updated_ts_unix_ns
		) VALUES(?,?,?,?,?,?,?,?,?);`,
		sk.ID,
		sk.LeaseID,
		nullable(sk.Hostname),
		string(sk.Stage),
		sk.Epoch,
		nullable(sk.PreviewURL),
		string(filesJSON),
		sk.CreatedAt.UnixNano(),
		sk.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put sketch: %w", err)
	}
	return nil
}

func (s *Store) DeleteSketch(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sketches WHERE sketch_id = ?`, id); err != nil {
		return fmt.Errorf("delete sketch: %w", err)
	}
	return nil
}

func (s *Store) InsertLease(ctx context.Context, l types.Lease) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases(lease_id, expires_at_unix_ns) VALUES(?,?);`,
		l.ID, l.ExpiresAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

// SetLeaseExpiry updates a lease row and reports whether it existed.
func (s *Store) SetLeaseExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at_unix_ns = ? WHERE lease_id = ?`,
		expiresAt.UTC().UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteLease(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = ?`, id); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE expires_at_unix_ns <= ?`, now.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("evict leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict leases rows: %w", err)
	}
	return int(n), nil
}

func (s *Store) CountLeases(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leases`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leases: %w", err)
	}
	return n, nil
}

func (s *Store) EarliestLeaseExpiry(ctx context.Context) (time.Time, bool, error) {
	var ns sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(expires_at_unix_ns) FROM leases`).Scan(&ns); err != nil {
		return time.Time{}, false, fmt.Errorf("earliest lease expiry: %w", err)
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns.Int64).UTC(), true, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(event_id, ts_unix_ns, sketch_id, type, epoch, payload_json)
		VALUES(?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.SketchID,
		ev.Type,
		nullableInt64(ev.Epoch),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	where := []string{"1=1"}
	var args []any

	if q.SketchID != "" {
		where = append(where, "sketch_id = ?")
		args = append(args, q.SketchID)
	}
	if len(q.Types) > 0 {
		place := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			place = append(place, "?")
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(place, ",")+")")
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns `+order+` LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events rows: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}
