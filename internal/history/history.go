// Package history records executed telemetry queries so the calling
// agent can recall what was run recently and reuse it as context.
package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Entry is one recorded query execution.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	Connection string    `json:"connection"`
	Query      string    `json:"query"`
	RowCount   int       `json:"row_count"`
	Cached     bool      `json:"cached"`
	DurationMS int64     `json:"duration_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Store persists query history in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			connection TEXT NOT NULL,
			query TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			cached INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			executed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_executed ON history(executed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_history_connection ON history(connection);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores one executed query.
func (s *Store) Record(connection, query string, rowCount int, cached bool, duration time.Duration) (*Entry, error) {
	id, _ := uuid.NewV7()
	e := &Entry{
		ID:         id,
		Connection: connection,
		Query:      query,
		RowCount:   rowCount,
		Cached:     cached,
		DurationMS: duration.Milliseconds(),
		ExecutedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO history (id, connection, query, row_count, cached, duration_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.Connection, e.Query, e.RowCount, boolToInt(e.Cached),
		e.DurationMS, e.ExecutedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert history entry: %w", err)
	}
	return e, nil
}

// Recent returns the most recent entries, newest first. A limit of 0
// defaults to 20.
func (s *Store) Recent(limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, connection, query, row_count, cached, duration_ms, executed_at
		FROM history
		ORDER BY executed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// likeEscaper neutralizes LIKE wildcards so a search term matches
// literally. Backslash first, so escaped characters are not re-escaped.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns entries whose query text contains the term,
// case-insensitively, newest first. The term is matched literally;
// `%` and `_` carry no wildcard meaning.
func (s *Store) Search(term string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, connection, query, row_count, cached, duration_ms, executed_at
		FROM history
		WHERE query LIKE '%' || ? || '%' ESCAPE '\'
		ORDER BY executed_at DESC
		LIMIT ?
	`, likeEscaper.Replace(term), limit)
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Prune deletes entries older than the cutoff. Returns the number removed.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history WHERE executed_at < ?`,
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var e Entry
		var idStr, executedAt string
		var cached int
		if err := rows.Scan(&idStr, &e.Connection, &e.Query, &e.RowCount, &cached, &e.DurationMS, &executedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.ID, _ = uuid.Parse(idStr)
		e.Cached = cached != 0
		e.ExecutedAt, _ = time.Parse(time.RFC3339, executedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
