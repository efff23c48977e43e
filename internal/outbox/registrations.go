package outbox

import (
	"context"
	"strings"

	"routinesync/internal/services"
	"routinesync/internal/sqlitedb"
)

// RegisterSync records a background-sync request for tag. Registering an
// already registered tag refreshes its timestamp.
func (s *Store) RegisterSync(ctx context.Context, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return services.Wrap(services.ErrValidation, "outbox", "register sync", "tag is required", nil)
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO sync_registrations (tag, registered_at) VALUES (?, ?)
		 ON CONFLICT(tag) DO UPDATE SET registered_at = excluded.registered_at`,
		tag, sqlitedb.FormatTime(s.now()))
	if err != nil {
		return services.Wrap(services.ErrStorage, "outbox", "register sync", tag, err)
	}
	return nil
}

// SyncTags lists registered tags, oldest registration first.
func (s *Store) SyncTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT tag FROM sync_registrations ORDER BY registered_at ASC, tag ASC`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "outbox", "sync tags", "", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, services.Wrap(services.ErrStorage, "outbox", "sync tags", "scan", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// UnregisterSync drops tag. Missing tags are ignored.
func (s *Store) UnregisterSync(ctx context.Context, tag string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sync_registrations WHERE tag = ?`, tag); err != nil {
		return services.Wrap(services.ErrStorage, "outbox", "unregister sync", tag, err)
	}
	return nil
}
