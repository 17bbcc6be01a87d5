package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/placement-fulfillment/internal/domain/model"
	apperrors "github.com/target/placement-fulfillment/internal/errors"
)

// UserRepo resolves order owners.
type UserRepo struct {
	DB *sql.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{DB: db}
}

// Email returns the contact address for userID.
func (r *UserRepo) Email(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.DB.QueryRowContext(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user email: %w", err)
	}
	return email, nil
}

// Create inserts a user and returns its id.
func (r *UserRepo) Create(ctx context.Context, email string) (string, error) {
	var id string
	if err := r.DB.QueryRowContext(ctx, `INSERT INTO users (email) VALUES ($1) RETURNING id`, email).Scan(&id); err != nil {
		return "", fmt.Errorf("create user: %w", apperrors.MapDBError(err))
	}
	return id, nil
}
