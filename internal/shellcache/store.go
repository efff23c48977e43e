package shellcache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"routinesync/internal/config"
	"routinesync/internal/services"
	"routinesync/internal/sqlitedb"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Entry is one cached response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Generation summarizes one named cache.
type Generation struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Store keeps cache entries in SQLite.
type Store struct {
	db  *sqlitedb.DB
	now func() time.Time
}

// Open connects to the cache database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("cache migrations: %w", err)
	}
	db, err := sqlitedb.Open(ctx, path, migrations)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "shellcache", "open", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenFromConfig opens the cache under the configured state directory.
func OpenFromConfig(ctx context.Context, cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return Open(ctx, cfg.CachePath())
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

const upsertEntry = `INSERT INTO cache_entries (generation, url, status, header_json, body, stored_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(generation, url) DO UPDATE SET
		status = excluded.status,
		header_json = excluded.header_json,
		body = excluded.body,
		stored_at = excluded.stored_at`

// Put upserts one entry.
func (s *Store) Put(ctx context.Context, generation string, e Entry) error {
	header, err := encodeHeader(e.Header)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertEntry, generation, e.URL, e.Status, header, nonNil(e.Body), sqlitedb.FormatTime(s.now())); err != nil {
		return services.Wrap(services.ErrStorage, "shellcache", "put", e.URL, err)
	}
	return nil
}

// PutAll upserts entries in a single transaction; either all land or none.
func (s *Store) PutAll(ctx context.Context, generation string, entries []Entry) error {
	stamp := sqlitedb.FormatTime(s.now())
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertEntry)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			header, err := encodeHeader(e.Header)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, generation, e.URL, e.Status, header, nonNil(e.Body), stamp); err != nil {
				return fmt.Errorf("%s: %w", e.URL, err)
			}
		}
		return nil
	})
	if err != nil {
		return services.Wrap(services.ErrStorage, "shellcache", "put all", generation, err)
	}
	return nil
}

// Match returns the entry for url in generation, or nil when absent.
func (s *Store) Match(ctx context.Context, generation, url string) (*Entry, error) {
	row := s.db.QueryRow(ctx,
		`SELECT url, status, header_json, body, stored_at FROM cache_entries WHERE generation = ? AND url = ?`,
		generation, url)
	var (
		e        Entry
		header   string
		storedAt sql.NullString
	)
	if err := row.Scan(&e.URL, &e.Status, &header, &e.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrStorage, "shellcache", "match", url, err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, services.Wrap(services.ErrStorage, "shellcache", "match", "decode header", err)
	}
	e.StoredAt = sqlitedb.ParseTime(storedAt)
	return &e, nil
}

// Generations lists every generation with entry counts, sorted by name.
func (s *Store) Generations(ctx context.Context) ([]Generation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT generation, COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries GROUP BY generation ORDER BY generation`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "shellcache", "generations", "", err)
	}
	defer rows.Close()
	var out []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.Name, &g.Entries, &g.Bytes); err != nil {
			return nil, services.Wrap(services.ErrStorage, "shellcache", "generations", "scan", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGeneration removes every entry of generation.
func (s *Store) DeleteGeneration(ctx context.Context, generation string) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM cache_entries WHERE generation = ?`, generation)
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "shellcache", "delete generation", generation, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func encodeHeader(h http.Header) (string, error) {
	if h == nil {
		return "{}", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", services.Wrap(services.ErrStorage, "shellcache", "encode header", "", err)
	}
	return string(data), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
