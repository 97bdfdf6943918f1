package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// CommentRepository manages ticket thread comments.
type CommentRepository interface {
	Create(ctx context.Context, comment *domain.Comment) error
	HasRequesterReplySince(ctx context.Context, ticket domain.Ticket, since time.Time) (bool, error)
}

type commentRepository struct {
	db DBTX
}

func (r *commentRepository) Create(ctx context.Context, comment *domain.Comment) error {
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO ticket_comments (id, ticket_id, author_type, author_id, author_email, body, is_internal, source)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING created_at`
	return r.db.QueryRow(ctx, query,
		comment.ID,
		comment.TicketID,
		comment.AuthorType,
		comment.AuthorID,
		comment.AuthorEmail,
		comment.Body,
		comment.IsInternal,
		comment.Source,
	).Scan(&comment.CreatedAt)
}

// HasRequesterReplySince reports a non-internal comment by the ticket's
// requester, matched by profile id or email, created after since.
func (r *commentRepository) HasRequesterReplySince(ctx context.Context, ticket domain.Ticket, since time.Time) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1 FROM ticket_comments c
            WHERE c.ticket_id = $1
              AND c.is_internal = FALSE
              AND c.created_at > $2
              AND (
                  c.author_type = 'requester'
                  OR ($3::uuid IS NOT NULL AND c.author_id = $3::uuid)
                  OR ($4::text IS NOT NULL AND LOWER(c.author_email) = LOWER($4::text))
              )
        )`
	var exists bool
	err := r.db.QueryRow(ctx, query, ticket.ID, since, ticket.RequesterID, ticket.RequesterEmail).Scan(&exists)
	return exists, err
}
