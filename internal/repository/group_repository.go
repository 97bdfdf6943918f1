package repository

import (
	"context"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// GroupRepository reads operator groups and their members.
type GroupRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Group, error)
	ListMemberEmails(ctx context.Context, groupID string) ([]string, error)
}

type groupRepository struct {
	db DBTX
}

func (r *groupRepository) GetByID(ctx context.Context, id string) (*domain.Group, error) {
	const query = `
        SELECT id, name, description, is_active, created_at, updated_at
        FROM groups WHERE id=$1`
	var group domain.Group
	if err := r.db.QueryRow(ctx, query, id).Scan(
		&group.ID,
		&group.Name,
		&group.Description,
		&group.IsActive,
		&group.CreatedAt,
		&group.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &group, nil
}

func (r *groupRepository) ListMemberEmails(ctx context.Context, groupID string) ([]string, error) {
	const query = `
        SELECT p.email
        FROM group_members m
        JOIN profiles p ON p.id = m.profile_id
        WHERE m.group_id = $1 AND p.is_active = TRUE AND p.email <> ''
        ORDER BY p.email ASC`
	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		result = append(result, email)
	}
	return result, rows.Err()
}
