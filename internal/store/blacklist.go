package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
)

// Blacklist holds email addresses that hard-bounced or complained.
type Blacklist struct {
	db *sql.DB
}

func NewBlacklist(db *sql.DB) *Blacklist {
	return &Blacklist{db: db}
}

var _ BlacklistRepository = (*Blacklist)(nil)

func (b *Blacklist) IsBlacklisted(ctx context.Context, recipient string) (bool, error) {
	var found bool
	err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_blacklist WHERE recipient = $1)`,
		normalizeAddress(recipient),
	).Scan(&found)
	if err != nil {
		return false, errors.NewStoreUnavailableError("is_blacklisted", err)
	}
	return found, nil
}

func (b *Blacklist) Add(ctx context.Context, recipient, reason string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO email_blacklist (recipient, reason, created_at, updated_at)
VALUES ($1, $2, now(), now())
ON CONFLICT (recipient) DO NOTHING`,
		normalizeAddress(recipient), reason,
	)
	if err != nil {
		return errors.NewStoreUnavailableError("add_blacklist", err)
	}
	return nil
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
