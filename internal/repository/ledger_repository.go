package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-automation/internal/events"
)

// LedgerRepository appends to and queries the event ledger. The ledger is
// the only source of truth for "has this effect already happened".
type LedgerRepository interface {
	AppendOnce(ctx context.Context, entry *events.Entry) (bool, error)
	Exists(ctx context.Context, eventType events.EventType, dedupKey string) (bool, error)
	FindTicketByConversation(ctx context.Context, conversationID string) (string, bool, error)
}

type ledgerRepository struct {
	db DBTX
}

// AppendOnce inserts the entry unless one with the same (event_type,
// dedup_key) exists. Entries without a dedup key are always inserted.
func (r *ledgerRepository) AppendOnce(ctx context.Context, entry *events.Entry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO ticket_events (id, subject_type, subject_id, event_type, dedup_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (event_type, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
        RETURNING created_at`
	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.SubjectType,
		entry.SubjectID,
		entry.Type,
		entry.DedupKey,
		[]byte(entry.Payload),
	).Scan(&entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ledgerRepository) Exists(ctx context.Context, eventType events.EventType, dedupKey string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM ticket_events WHERE event_type = $1 AND dedup_key = $2)`
	var exists bool
	err := r.db.QueryRow(ctx, query, eventType, dedupKey).Scan(&exists)
	return exists, err
}

// FindTicketByConversation returns the ticket of the latest ingested email in
// the same mail thread.
func (r *ledgerRepository) FindTicketByConversation(ctx context.Context, conversationID string) (string, bool, error) {
	const query = `
        SELECT subject_id FROM ticket_events
        WHERE event_type = 'email_ingested' AND payload->>'conversation_id' = $1
        ORDER BY created_at DESC
        LIMIT 1`
	var ticketID string
	err := r.db.QueryRow(ctx, query, conversationID).Scan(&ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ticketID, true, nil
}
