package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

// Messages is the Postgres message store. A pending message has a NULL status.
type Messages struct {
	db *sql.DB
}

func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

var _ MessageRepository = (*Messages)(nil)

const (
	insertMessageSQL = `INSERT INTO messages (campaign_id, recipient, params, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (campaign_id, recipient) DO NOTHING`

	selectMessageSQL = `SELECT campaign_id, recipient, params, message_id, status, error_code, retryable,
dequeued_at, sent_at, delivered_at, received_at, updated_at
FROM messages WHERE campaign_id = $1 AND recipient = $2`

	markDequeuedSQL = `UPDATE messages SET dequeued_at = $3, updated_at = $3
WHERE campaign_id = $1 AND recipient = $2 AND dequeued_at IS NULL`

	markSendingSQL = `UPDATE messages SET status = 'SENDING', message_id = $3, sent_at = $4, updated_at = $4
WHERE campaign_id = $1 AND recipient = $2 AND status IS NULL`

	markFailedSQL = `UPDATE messages SET status = $3, error_code = $4, retryable = $5, updated_at = $6
WHERE campaign_id = $1 AND recipient = $2 AND (status IS NULL OR status = 'SENDING')`

	// Serializes ApplyOutcome and MarkSending for one provider id.
	lockProviderIDSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	// An outcome for a provider id no message carries yet is parked until
	// MarkSending records the id. Parked rows older than a day are dropped.
	applyOutcomeSQL = `WITH updated AS (
    UPDATE messages SET status = $2, error_code = NULLIF($3, ''), delivered_at = $4, updated_at = $4
    WHERE message_id = $1 AND (status IS NULL OR status = 'SENDING')
    RETURNING campaign_id, recipient
), parked AS (
    INSERT INTO pending_outcomes (message_id, status, error_code, delivered_at, created_at)
    SELECT $1, $2, NULLIF($3, ''), $4, now()
    WHERE NOT EXISTS (SELECT 1 FROM updated)
      AND NOT EXISTS (SELECT 1 FROM messages WHERE message_id = $1)
    ON CONFLICT (message_id) DO NOTHING
), expired AS (
    DELETE FROM pending_outcomes WHERE created_at < now() - interval '1 day'
)
SELECT campaign_id, recipient FROM updated`

	takeParkedOutcomeSQL = `DELETE FROM pending_outcomes WHERE message_id = $1
RETURNING status, error_code, delivered_at`

	applyParkedOutcomeSQL = `UPDATE messages SET status = $3, error_code = $4, delivered_at = $5, updated_at = $5
WHERE campaign_id = $1 AND recipient = $2 AND status = 'SENDING'`

	markReceivedSQL = `UPDATE messages SET received_at = $2, updated_at = $2
WHERE message_id = $1 AND received_at IS NULL`

	countByStatusSQL = `SELECT status, count(*) FROM messages WHERE campaign_id = $1 GROUP BY status`

	pendingRecipientsSQL = `SELECT recipient, params FROM messages
WHERE campaign_id = $1 AND status IS NULL ORDER BY recipient`
)

// CreatePending inserts one row per recipient. Rows that already exist are
// left alone so a re-dispatch never resets a sent message.
func (m *Messages) CreatePending(ctx context.Context, campaignID int64, recipients []models.Recipient) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewStoreUnavailableError("create_pending", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertMessageSQL)
	if err != nil {
		return 0, errors.NewStoreUnavailableError("create_pending", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range recipients {
		params, err := json.Marshal(r.Params)
		if err != nil {
			return 0, fmt.Errorf("marshal params for %s: %w", r.Recipient, err)
		}
		res, err := stmt.ExecContext(ctx, campaignID, r.Recipient, params)
		if err != nil {
			return 0, errors.NewStoreUnavailableError("create_pending", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewStoreUnavailableError("create_pending", err)
	}
	return inserted, nil
}

func (m *Messages) Get(ctx context.Context, campaignID int64, recipient string) (*models.Message, error) {
	var (
		msg                       models.Message
		params                    []byte
		messageID, status, code   sql.NullString
		dequeued, sent, delivered sql.NullTime
		received                  sql.NullTime
	)
	err := m.db.QueryRowContext(ctx, selectMessageSQL, campaignID, recipient).Scan(
		&msg.CampaignID, &msg.Recipient, &params, &messageID, &status, &code, &msg.Retryable,
		&dequeued, &sent, &delivered, &received, &msg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("get_message", err)
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &msg.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	msg.ProviderMessageID = messageID.String
	msg.Status = models.MessageStatus(status.String)
	msg.ErrorCode = code.String
	msg.DequeuedAt = timePtr(dequeued)
	msg.SentAt = timePtr(sent)
	msg.DeliveredAt = timePtr(delivered)
	msg.ReceivedAt = timePtr(received)
	return &msg, nil
}

func (m *Messages) MarkDequeued(ctx context.Context, campaignID int64, recipient string, at time.Time) error {
	if _, err := m.db.ExecContext(ctx, markDequeuedSQL, campaignID, recipient, at); err != nil {
		return errors.NewStoreUnavailableError("mark_dequeued", err)
	}
	return nil
}

// MarkSending records a provider acceptance. It only applies to a pending
// message. An outcome that arrived before the provider id was recorded is
// applied in the same transaction.
func (m *Messages) MarkSending(ctx context.Context, campaignID int64, recipient, providerMessageID string, at time.Time) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.NewStoreUnavailableError("mark_sending", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, lockProviderIDSQL, providerMessageID); err != nil {
		return false, errors.NewStoreUnavailableError("mark_sending", err)
	}
	res, err := tx.ExecContext(ctx, markSendingSQL, campaignID, recipient, providerMessageID, at)
	if err != nil {
		return false, errors.NewStoreUnavailableError("mark_sending", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := tx.Commit(); err != nil {
			return false, errors.NewStoreUnavailableError("mark_sending", err)
		}
		return false, nil
	}

	var (
		status    string
		code      sql.NullString
		delivered time.Time
	)
	err = tx.QueryRowContext(ctx, takeParkedOutcomeSQL, providerMessageID).Scan(&status, &code, &delivered)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, errors.NewStoreUnavailableError("mark_sending", err)
	default:
		if _, err := tx.ExecContext(ctx, applyParkedOutcomeSQL, campaignID, recipient, status, code, delivered); err != nil {
			return false, errors.NewStoreUnavailableError("mark_sending", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.NewStoreUnavailableError("mark_sending", err)
	}
	return true, nil
}

// MarkFailed records a worker-side terminal result.
func (m *Messages) MarkFailed(ctx context.Context, campaignID int64, recipient string, f models.Failure, at time.Time) (bool, error) {
	return m.exec(ctx, "mark_failed", markFailedSQL, campaignID, recipient, string(f.Status), f.ErrorCode, f.Retryable, at)
}

// ApplyOutcome moves the message carrying o.ProviderMessageID to a terminal
// status. It reports false when the message is already terminal or not yet
// known; in the latter case the outcome is parked for MarkSending.
func (m *Messages) ApplyOutcome(ctx context.Context, o models.Outcome) (*models.Message, bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.NewStoreUnavailableError("apply_outcome", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, lockProviderIDSQL, o.ProviderMessageID); err != nil {
		return nil, false, errors.NewStoreUnavailableError("apply_outcome", err)
	}

	msg := &models.Message{ProviderMessageID: o.ProviderMessageID, Status: o.Status, ErrorCode: o.ErrorCode}
	err = tx.QueryRowContext(ctx, applyOutcomeSQL, o.ProviderMessageID, string(o.Status), o.ErrorCode, o.At).
		Scan(&msg.CampaignID, &msg.Recipient)
	applied := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, false, errors.NewStoreUnavailableError("apply_outcome", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.NewStoreUnavailableError("apply_outcome", err)
	}
	if !applied {
		return nil, false, nil
	}
	at := o.At
	msg.DeliveredAt = &at
	return msg, true, nil
}

// MarkReceived sets the first open time only.
func (m *Messages) MarkReceived(ctx context.Context, providerMessageID string, at time.Time) (bool, error) {
	return m.exec(ctx, "mark_received", markReceivedSQL, providerMessageID, at)
}

func (m *Messages) CountByStatus(ctx context.Context, campaignID int64) (models.CampaignStats, error) {
	var stats models.CampaignStats

	rows, err := m.db.QueryContext(ctx, countByStatusSQL, campaignID)
	if err != nil {
		return stats, errors.NewStoreUnavailableError("count_by_status", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status sql.NullString
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, errors.NewStoreUnavailableError("count_by_status", err)
		}
		stats.Add(models.MessageStatus(status.String), n)
	}
	if err := rows.Err(); err != nil {
		return stats, errors.NewStoreUnavailableError("count_by_status", err)
	}
	return stats, nil
}

func (m *Messages) PendingRecipients(ctx context.Context, campaignID int64) ([]models.Recipient, error) {
	rows, err := m.db.QueryContext(ctx, pendingRecipientsSQL, campaignID)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("pending_recipients", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var (
			r      models.Recipient
			params []byte
		)
		if err := rows.Scan(&r.Recipient, &params); err != nil {
			return nil, errors.NewStoreUnavailableError("pending_recipients", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &r.Params); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError("pending_recipients", err)
	}
	return out, nil
}

func (m *Messages) exec(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.NewStoreUnavailableError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStoreUnavailableError(op, err)
	}
	return n > 0, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
