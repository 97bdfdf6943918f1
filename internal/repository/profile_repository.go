package repository

import (
	"context"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// ProfileRepository reads directory profiles. Profiles are maintained by the
// directory sync job; this service never writes them.
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Profile, error)
	GetByEmail(ctx context.Context, email string) (*domain.Profile, error)
}

type profileRepository struct {
	db DBTX
}

func (r *profileRepository) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	const query = `
        SELECT id, full_name, email, is_active, created_at, updated_at
        FROM profiles WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *profileRepository) GetByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	const query = `
        SELECT id, full_name, email, is_active, created_at, updated_at
        FROM profiles WHERE LOWER(email)=LOWER($1)
        ORDER BY is_active DESC, created_at ASC
        LIMIT 1`
	return r.fetchSingle(ctx, query, email)
}

func (r *profileRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Profile, error) {
	var profile domain.Profile
	if err := r.db.QueryRow(ctx, query, arg).Scan(
		&profile.ID,
		&profile.FullName,
		&profile.Email,
		&profile.IsActive,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &profile, nil
}
