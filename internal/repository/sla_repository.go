package repository

import (
	"context"
	"time"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// SLARepository reads ticket SLA timers and flags breaches.
type SLARepository interface {
	ListBreachCandidates(ctx context.Context, now time.Time, limit int) ([]domain.SLARecord, error)
	MarkFirstResponseBreached(ctx context.Context, ticketID string, at time.Time) (bool, error)
	MarkResolutionBreached(ctx context.Context, ticketID string, at time.Time) (bool, error)
}

type slaRepository struct {
	db DBTX
}

func (r *slaRepository) ListBreachCandidates(ctx context.Context, now time.Time, limit int) ([]domain.SLARecord, error) {
	const query = `
        SELECT ticket_id, first_response_due_at, first_response_at, first_response_breached, first_response_breached_at,
               resolution_due_at, resolved_at, resolution_breached, resolution_breached_at
        FROM ticket_sla
        WHERE (first_response_due_at <= $1 AND first_response_at IS NULL AND first_response_breached = FALSE)
           OR (resolution_due_at <= $1 AND resolved_at IS NULL AND resolution_breached = FALSE)
        ORDER BY LEAST(first_response_due_at, resolution_due_at) ASC
        LIMIT $2`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.SLARecord
	for rows.Next() {
		var rec domain.SLARecord
		if err := rows.Scan(
			&rec.TicketID,
			&rec.FirstResponseDueAt,
			&rec.FirstResponseAt,
			&rec.FirstResponseBreached,
			&rec.FirstResponseBreachedAt,
			&rec.ResolutionDueAt,
			&rec.ResolvedAt,
			&rec.ResolutionBreached,
			&rec.ResolutionBreachedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// MarkFirstResponseBreached sets the flag only while it is still false and the
// response is still missing.
func (r *slaRepository) MarkFirstResponseBreached(ctx context.Context, ticketID string, at time.Time) (bool, error) {
	const query = `
        UPDATE ticket_sla
        SET first_response_breached = TRUE, first_response_breached_at = $2
        WHERE ticket_id = $1 AND first_response_breached = FALSE AND first_response_at IS NULL`
	cmd, err := r.db.Exec(ctx, query, ticketID, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkResolutionBreached sets the flag only while it is still false and the
// ticket is still unresolved.
func (r *slaRepository) MarkResolutionBreached(ctx context.Context, ticketID string, at time.Time) (bool, error) {
	const query = `
        UPDATE ticket_sla
        SET resolution_breached = TRUE, resolution_breached_at = $2
        WHERE ticket_id = $1 AND resolution_breached = FALSE AND resolved_at IS NULL`
	cmd, err := r.db.Exec(ctx, query, ticketID, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}
