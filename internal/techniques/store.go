package techniques

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"shapesmith/internal/logging"
	"shapesmith/internal/policy"
	"shapesmith/internal/types"
)

// Store persists synthesized technique implementations in SQLite so they
// survive restarts.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// OpenStore opens (creating if needed) the technique database at path.
// ":memory:" gives a private in-memory database.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open technique store: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("technique store opened at %s", path)
	return s, nil
}

func (s *Store) ensureSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS techniques (
		id TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		paradigm TEXT NOT NULL,
		description TEXT,
		schema_json TEXT,
		source TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_techniques_paradigm ON techniques(paradigm);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create techniques table: %w", err)
	}
	return nil
}

// Save implements Persister.
func (s *Store) Save(impl *types.TechniqueImplementation) error {
	var schemaJSON []byte
	if impl.Schema != nil {
		var err error
		if schemaJSON, err = json.Marshal(impl.Schema); err != nil {
			return fmt.Errorf("encode schema for %s: %w", impl.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO techniques (id, hash, paradigm, description, schema_json, source)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hash = excluded.hash,
			paradigm = excluded.paradigm,
			description = excluded.description,
			schema_json = excluded.schema_json,
			source = excluded.source`,
		impl.ID, impl.Hash, string(impl.Paradigm), impl.Description, nullable(schemaJSON), impl.Source)
	if err != nil {
		return fmt.Errorf("save technique %s: %w", impl.ID, err)
	}
	logging.StoreDebug("saved %s (hash=%.12s)", impl.ID, impl.Hash)
	return nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Delete implements Persister. Only the row with the matching hash is removed.
func (s *Store) Delete(id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM techniques WHERE id = ? AND hash = ?`, id, hash); err != nil {
		return fmt.Errorf("delete technique %s: %w", id, err)
	}
	logging.StoreDebug("deleted %s (hash=%.12s)", id, hash)
	return nil
}

// All returns every stored implementation in insertion order.
func (s *Store) All() ([]*types.TechniqueImplementation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, hash, paradigm, description, schema_json, source
		FROM techniques ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query techniques: %w", err)
	}
	defer rows.Close()

	var out []*types.TechniqueImplementation
	for rows.Next() {
		var (
			impl       types.TechniqueImplementation
			paradigm   string
			desc       sql.NullString
			schemaJSON sql.NullString
		)
		if err := rows.Scan(&impl.ID, &impl.Hash, &paradigm, &desc, &schemaJSON, &impl.Source); err != nil {
			return nil, fmt.Errorf("scan technique: %w", err)
		}
		impl.Paradigm = types.Paradigm(paradigm)
		impl.Description = desc.String
		impl.Origin = types.OriginSynthesized
		if schemaJSON.Valid {
			if err := json.Unmarshal([]byte(schemaJSON.String), &impl.Schema); err != nil {
				logging.StoreError("corrupt schema for %s: %v", impl.ID, err)
				impl.Schema = nil
			}
		}
		out = append(out, &impl)
	}
	return out, rows.Err()
}

// Restore registers every stored implementation that still passes the
// allow-list policy. Entries that fail the policy or conflict with an
// already-registered technique are skipped. It returns how many were restored.
func (s *Store) Restore(r *Registry, checker *policy.Checker) (int, error) {
	impls, err := s.All()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, impl := range impls {
		if report := checker.Check(impl.Source); !report.Safe {
			logging.StoreError("stored technique %s no longer passes policy: %v", impl.ID, report.Messages())
			continue
		}
		if _, err := r.Register(impl); err != nil {
			if errors.Is(err, ErrConflict) {
				logging.StoreDebug("stored technique %s shadowed by registered implementation", impl.ID)
			} else {
				logging.StoreError("failed to restore %s: %v", impl.ID, err)
			}
			continue
		}
		restored++
	}
	logging.Store("restored %d of %d stored techniques", restored, len(impls))
	return restored, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
