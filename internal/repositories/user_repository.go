package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// UserDirectory lists users known to the identity service.
type UserDirectory interface {
	ListUsersExcept(ctx context.Context, userID int64) ([]models.UserSummary, error)
}

// UserRepo reads the identity-owned users table. It never selects password
// material.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// ListUsersExcept returns every user other than userID ordered by name.
func (r *UserRepo) ListUsersExcept(ctx context.Context, userID int64) ([]models.UserSummary, error) {
	users := []models.UserSummary{}
	err := r.db.SelectContext(ctx, &users, r.db.Rebind(`SELECT id, full_name, email, profile_pic FROM users
        WHERE id <> ?
        ORDER BY full_name ASC, id ASC`), userID)
	return users, err
}
