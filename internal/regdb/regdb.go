// Package regdb persists the Container Registry to a SQLite database at
// <base>/registry.db so the Registry's in-memory state survives daemon
// restarts. The schema is applied the same way the reference codebase's
// Boxer applies its own embedded schema: open, enable WAL, exec the
// embedded DDL — no separate migration runner, since the schema has no
// prior versions to migrate from yet.
package regdb

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/turbineerr"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed durable mirror of a registry.Registry.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the registry database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, turbineerr.Wrap(turbineerr.KindIO, err, "opening registry database")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, turbineerr.Wrap(turbineerr.KindIO, err, "enabling WAL mode")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, turbineerr.Wrap(turbineerr.KindIO, err, "initializing registry schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Upsert writes c's current state to the database.
func (s *Store) Upsert(c *registry.Container) error {
	cfgJSON, err := json.Marshal(c.Config)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindSerialization, err, "encoding container config")
	}
	started := nullableTime(c.StartedAt)
	stopped := nullableTime(c.StoppedAt)
	_, err = s.db.Exec(`
		INSERT INTO containers (id, name, state, error_msg, leader_pid, root_path, config_json, created_at, started_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, state=excluded.state, error_msg=excluded.error_msg,
			leader_pid=excluded.leader_pid, root_path=excluded.root_path,
			config_json=excluded.config_json, started_at=excluded.started_at, stopped_at=excluded.stopped_at
	`, c.ID, c.Config.Name, string(c.State), c.ErrorMsg, c.LeaderPID, c.RootPath, string(cfgJSON),
		c.CreatedAt.Format(time.RFC3339Nano), started, stopped)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindIO, err, "persisting container record")
	}
	return nil
}

// Delete removes a persisted record.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM containers WHERE id = ?`, id); err != nil {
		return turbineerr.Wrap(turbineerr.KindIO, err, "deleting container record")
	}
	return nil
}

// LoadAll reconstructs every persisted Container record, for rehydrating
// the in-memory Registry when the daemon starts.
func (s *Store) LoadAll() ([]*registry.Container, error) {
	rows, err := s.db.Query(`SELECT id, state, error_msg, leader_pid, root_path, config_json, created_at, started_at, stopped_at FROM containers`)
	if err != nil {
		return nil, turbineerr.Wrap(turbineerr.KindIO, err, "listing container records")
	}
	defer rows.Close()

	var out []*registry.Container
	for rows.Next() {
		var (
			id, state, errMsg, rootPath, cfgJSON, createdAt string
			leaderPID                                       int
			startedAt, stoppedAt                             sql.NullString
		)
		if err := rows.Scan(&id, &state, &errMsg, &leaderPID, &rootPath, &cfgJSON, &createdAt, &startedAt, &stoppedAt); err != nil {
			return nil, turbineerr.Wrap(turbineerr.KindIO, err, "scanning container record")
		}
		var cfg config.ContainerConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return nil, turbineerr.Wrap(turbineerr.KindSerialization, err, "decoding container config")
		}
		created, _ := time.Parse(time.RFC3339Nano, createdAt)
		c := &registry.Container{
			ID:        id,
			Config:    cfg,
			State:     registry.State(state),
			ErrorMsg:  errMsg,
			LeaderPID: leaderPID,
			RootPath:  rootPath,
			CreatedAt: created,
		}
		if startedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, startedAt.String)
			if err == nil {
				c.StartedAt = &t
			}
		}
		if stoppedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, stoppedAt.String)
			if err == nil {
				c.StoppedAt = &t
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
