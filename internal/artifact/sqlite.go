package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stagecheck/internal/logging"
)

// SQLiteStore persists artifacts in a single SQLite database. Rows are only
// ever inserted; nothing updates or deletes them.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite opens (creating if needed) the store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenSQLite")
	defer timer.Stop()

	logging.Store("Opening artifact store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.ensureSchema(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the artifact tables if they don't exist.
func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('snapshot', 'trace')),
		structural_hash TEXT NOT NULL,
		state_hash TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_artifacts_structural ON artifacts(structural_hash);

	CREATE TABLE IF NOT EXISTS derivations (
		parent_id TEXT NOT NULL REFERENCES artifacts(id),
		trace_id TEXT NOT NULL REFERENCES artifacts(id),
		child_id TEXT NOT NULL REFERENCES artifacts(id),
		created_at INTEGER NOT NULL,
		PRIMARY KEY (parent_id, trace_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create artifact schema: %w", err)
	}
	return nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.dbPath }

func (s *SQLiteStore) Put(ctx context.Context, a *Artifact) (string, bool, error) {
	if err := validate(a); err != nil {
		return "", false, err
	}
	id := ContentID(a.Kind, a.StructuralHash, a.StateHash, a.Payload)
	payload := a.Payload
	if payload == nil {
		payload = []byte{}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO artifacts (id, kind, structural_hash, state_hash, payload, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(a.Kind), a.StructuralHash, a.StateHash, payload, len(payload), time.Now().UnixNano())
	if err != nil {
		logging.StoreError("Failed to write %s %s: %v", a.Kind, Short(id), err)
		return "", false, fmt.Errorf("failed to write artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to write artifact: %w", err)
	}
	created := n > 0
	observePut(a.Kind, len(a.Payload), created)
	if created {
		logging.StoreDebug("stored %s %s (%d bytes)", a.Kind, Short(id), len(a.Payload))
	} else {
		logging.StoreDebug("dedup %s %s", a.Kind, Short(id))
	}
	return id, created, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Artifact, error) {
	var (
		a       Artifact
		kind    string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, structural_hash, state_hash, payload, created_at
		FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &kind, &a.StructuralHash, &a.StateHash, &a.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, Short(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	a.Kind = Kind(kind)
	a.CreatedAt = time.Unix(0, created).UTC()
	if ContentID(a.Kind, a.StructuralHash, a.StateHash, a.Payload) != a.ID {
		logging.StoreError("Artifact %s failed integrity check", Short(id))
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, Short(id))
	}
	return &a, nil
}

func (s *SQLiteStore) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query artifact: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) List(ctx context.Context, kind Kind) ([]Summary, error) {
	query := `SELECT id, kind, structural_hash, state_hash, size, created_at FROM artifacts`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sm      Summary
			k       string
			created int64
		)
		if err := rows.Scan(&sm.ID, &k, &sm.StructuralHash, &sm.StateHash, &sm.Size, &created); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		sm.Kind = Kind(k)
		sm.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*), COALESCE(SUM(size), 0) FROM artifacts GROUP BY kind`)
	if err != nil {
		return st, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			count int
			bytes int
		)
		if err := rows.Scan(&kind, &count, &bytes); err != nil {
			return st, fmt.Errorf("failed to scan stats: %w", err)
		}
		switch Kind(kind) {
		case KindSnapshot:
			st.Snapshots = count
		case KindTrace:
			st.Traces = count
		}
		st.Bytes += bytes
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM derivations`).Scan(&st.Derivations); err != nil {
		return st, fmt.Errorf("failed to count derivations: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) RecordDerivation(ctx context.Context, parentID, traceID, childID string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO derivations (parent_id, trace_id, child_id, created_at)
		VALUES (?, ?, ?, ?)`, parentID, traceID, childID, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to record derivation: %w", err)
	}
	child, ok, err := s.Derivation(ctx, parentID, traceID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("derivation %s+%s vanished after insert", Short(parentID), Short(traceID))
	}
	return child, nil
}

func (s *SQLiteStore) Derivation(ctx context.Context, parentID, traceID string) (string, bool, error) {
	var child string
	err := s.db.QueryRowContext(ctx, `
		SELECT child_id FROM derivations WHERE parent_id = ? AND trace_id = ?`,
		parentID, traceID).Scan(&child)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query derivation: %w", err)
	}
	return child, true, nil
}

func (s *SQLiteStore) Close() error {
	logging.StoreDebug("Closing artifact store %s", s.dbPath)
	return s.db.Close()
}
