package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	GetByNumber(ctx context.Context, number string) (*domain.Ticket, error)
	ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error)
	ListPendingIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error)
	ListEscalationCandidates(ctx context.Context, limit int) ([]domain.Ticket, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.TicketStatus, at time.Time) (bool, error)
}

type ticketRepository struct {
	db DBTX
}

const ticketColumns = `t.id, t.number, t.title, t.description, t.status, t.type, t.assignment_group_id,
               t.requester_id, t.requester_email, t.requester_name, t.channel,
               t.created_at, t.updated_at, t.resolved_at, t.closed_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO tickets (id, title, description, status, type, assignment_group_id,
            requester_id, requester_email, requester_name, channel)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING number, created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		ticket.ID,
		ticket.Title,
		ticket.Description,
		ticket.Status,
		ticket.Type,
		ticket.AssignmentGroupID,
		ticket.RequesterID,
		ticket.RequesterEmail,
		ticket.RequesterName,
		ticket.Channel,
	).Scan(&ticket.Number, &ticket.CreatedAt, &ticket.UpdatedAt)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets t WHERE t.id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *ticketRepository) GetByNumber(ctx context.Context, number string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets t WHERE UPPER(t.number)=UPPER($1)`
	return r.fetchSingle(ctx, query, number)
}

func (r *ticketRepository) ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets t
        WHERE t.status = 'resolved' AND t.resolved_at IS NOT NULL AND t.resolved_at <= $1
        ORDER BY t.resolved_at ASC
        LIMIT $2`
	return r.list(ctx, query, cutoff, limit)
}

// ListPendingIdleSince never returns tickets whose SLA resolution has been
// completed, even if their status still reads pending.
func (r *ticketRepository) ListPendingIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets t
        LEFT JOIN ticket_sla s ON s.ticket_id = t.id
        WHERE t.status = 'pending' AND t.updated_at <= $1 AND s.resolved_at IS NULL
        ORDER BY t.updated_at ASC
        LIMIT $2`
	return r.list(ctx, query, cutoff, limit)
}

// ListEscalationCandidates returns resolution-breached tickets that have
// never had an escalation workflow.
func (r *ticketRepository) ListEscalationCandidates(ctx context.Context, limit int) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets t
        JOIN ticket_sla s ON s.ticket_id = t.id
        WHERE s.resolution_breached = TRUE
          AND NOT EXISTS (SELECT 1 FROM escalation_workflows w WHERE w.ticket_id = t.id)
        ORDER BY s.resolution_breached_at ASC NULLS LAST
        LIMIT $1`
	return r.list(ctx, query, limit)
}

// TransitionStatus moves the ticket from one status to another only when it is
// still in the expected status. It reports whether a row changed.
func (r *ticketRepository) TransitionStatus(ctx context.Context, id string, from, to domain.TicketStatus, at time.Time) (bool, error) {
	const query = `
        UPDATE tickets
        SET status = $3,
            updated_at = $4,
            closed_at = CASE WHEN $3 = 'closed' THEN $4 ELSE closed_at END
        WHERE id = $1 AND status = $2`
	cmd, err := r.db.Exec(ctx, query, id, from, to, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Ticket, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &tickets[0], nil
}

func (r *ticketRepository) list(ctx context.Context, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := rows.Scan(
			&ticket.ID,
			&ticket.Number,
			&ticket.Title,
			&ticket.Description,
			&ticket.Status,
			&ticket.Type,
			&ticket.AssignmentGroupID,
			&ticket.RequesterID,
			&ticket.RequesterEmail,
			&ticket.RequesterName,
			&ticket.Channel,
			&ticket.CreatedAt,
			&ticket.UpdatedAt,
			&ticket.ResolvedAt,
			&ticket.ClosedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}
