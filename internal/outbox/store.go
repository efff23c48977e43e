package outbox

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"routinesync/internal/config"
	"routinesync/internal/services"
	"routinesync/internal/sqlitedb"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const operationColumns = "id, kind, payload_json, user_id, idempotency_key, status, attempts, last_error, next_attempt_at, created_at, updated_at"

// Store persists pending operations in SQLite. Every method is safe to call
// from several goroutines or processes at once.
type Store struct {
	db  *sqlitedb.DB
	now func() time.Time
}

// Open initializes or connects to the outbox database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("outbox migrations: %w", err)
	}
	db, err := sqlitedb.Open(ctx, path, migrations)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "open", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenFromConfig opens the outbox under the configured state directory.
func OpenFromConfig(ctx context.Context, cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return Open(ctx, cfg.OutboxPath())
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file backing the store.
func (s *Store) Path() string {
	return s.db.Path()
}

// Enqueue inserts op as a new queued record and returns it with its assigned id.
// It fails only when storage fails.
func (s *Store) Enqueue(ctx context.Context, op Operation) (*Operation, error) {
	payload := op.Payload
	if payload == nil {
		payload = Payload{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "enqueue", "encode payload", err)
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	now := s.now().UTC()
	res, err := s.db.Exec(ctx,
		`INSERT INTO pending (kind, payload_json, user_id, idempotency_key, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		op.Kind,
		string(encoded),
		sqlitedb.NullableString(op.UserID),
		op.IdempotencyKey,
		StatusQueued,
		sqlitedb.FormatTime(now),
		sqlitedb.FormatTime(now),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "enqueue", "insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "enqueue", "last insert id", err)
	}
	stored := op
	stored.ID = id
	stored.Payload = payload
	stored.Status = StatusQueued
	stored.Attempts = 0
	stored.LastError = ""
	stored.NextAttemptAt = time.Time{}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	return &stored, nil
}

// ListAll returns every record, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]*Operation, error) {
	return s.list(ctx, `SELECT `+operationColumns+` FROM pending ORDER BY id ASC`)
}

// ListByStatus returns records with the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Operation, error) {
	return s.list(ctx, `SELECT `+operationColumns+` FROM pending WHERE status = ? ORDER BY id ASC`, status)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Operation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "list", "", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "outbox", "list", "scan", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "list", "", err)
	}
	return ops, nil
}

// Get fetches a record by id. A missing record yields (nil, nil).
func (s *Store) Get(ctx context.Context, id int64) (*Operation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+operationColumns+` FROM pending WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "get", "", err)
	}
	return op, nil
}

// Remove deletes a record. Removing a missing id is not an error; the bool
// reports whether a row was deleted.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM pending WHERE id = ?`, id)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "outbox", "remove", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "outbox", "remove", "rows affected", err)
	}
	return affected > 0, nil
}

// RecordFailure bumps the attempt counter and stores the retry schedule. It
// reports false when the record is already gone.
func (s *Store) RecordFailure(ctx context.Context, id int64, f Failure) (bool, error) {
	payload := f.Payload
	if payload == nil {
		payload = Payload{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "outbox", "record failure", "encode payload", err)
	}
	status := StatusQueued
	if f.Dead {
		status = StatusDead
	}
	var next any
	if !f.NextAttemptAt.IsZero() {
		next = sqlitedb.FormatTime(f.NextAttemptAt)
	}
	res, err := s.db.Exec(ctx,
		`UPDATE pending
		 SET kind = ?, payload_json = ?, user_id = COALESCE(?, user_id), status = ?,
		     attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		f.Kind,
		string(encoded),
		sqlitedb.NullableString(f.UserID),
		status,
		sqlitedb.NullableString(f.Error),
		next,
		sqlitedb.FormatTime(s.now()),
		id,
	)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "outbox", "record failure", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "outbox", "record failure", "rows affected", err)
	}
	return affected > 0, nil
}

// Revive returns dead records to the queue with a fresh attempt budget. With
// no ids every dead record is revived. It returns the number of records moved.
func (s *Store) Revive(ctx context.Context, ids ...int64) (int64, error) {
	now := sqlitedb.FormatTime(s.now())
	var total int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		total = 0
		if len(ids) == 0 {
			res, err := tx.ExecContext(ctx,
				`UPDATE pending SET status = ?, attempts = 0, next_attempt_at = NULL, updated_at = ? WHERE status = ?`,
				StatusQueued, now, StatusDead)
			if err != nil {
				return err
			}
			total, err = res.RowsAffected()
			return err
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				`UPDATE pending SET status = ?, attempts = 0, next_attempt_at = NULL, updated_at = ? WHERE id = ?`,
				StatusQueued, now, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "outbox", "revive", "", err)
	}
	return total, nil
}

// Clear removes every record and returns how many were deleted.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM pending`)
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "outbox", "clear", "", err)
	}
	return res.RowsAffected()
}

// Stats aggregates queue depth by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ops, err := s.ListAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := s.now()
	var stats Stats
	for _, op := range ops {
		switch op.Status {
		case StatusDead:
			stats.Dead++
			continue
		default:
			stats.Queued++
		}
		if stats.OldestQueued.IsZero() || op.CreatedAt.Before(stats.OldestQueued) {
			stats.OldestQueued = op.CreatedAt
		}
		if op.Due(now) {
			stats.Due++
		} else if stats.NextAttempt.IsZero() || op.NextAttemptAt.Before(stats.NextAttempt) {
			stats.NextAttempt = op.NextAttemptAt
		}
	}
	return stats, nil
}

func scanOperation(scanner interface{ Scan(dest ...any) error }) (*Operation, error) {
	var (
		op          Operation
		payloadRaw  string
		userID      sql.NullString
		status      string
		lastError   sql.NullString
		nextAttempt sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&op.ID,
		&op.Kind,
		&payloadRaw,
		&userID,
		&op.IdempotencyKey,
		&status,
		&op.Attempts,
		&lastError,
		&nextAttempt,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	op.Payload = Payload{}
	if payloadRaw != "" {
		if err := json.Unmarshal([]byte(payloadRaw), &op.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for record %d: %w", op.ID, err)
		}
	}
	op.UserID = userID.String
	if parsed, ok := ParseStatus(status); ok {
		op.Status = parsed
	} else {
		op.Status = StatusQueued
	}
	op.LastError = lastError.String
	op.NextAttemptAt = sqlitedb.ParseTime(nextAttempt)
	op.CreatedAt = sqlitedb.ParseTime(createdRaw)
	op.UpdatedAt = sqlitedb.ParseTime(updatedRaw)
	return &op, nil
}
