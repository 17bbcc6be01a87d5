package reststore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// UserStore implements core.UserDirectory over the users table.
type UserStore struct {
	c *Client
}

var _ core.UserDirectory = (*UserStore)(nil)

// NewUserStore wraps c.
func NewUserStore(c *Client) *UserStore { return &UserStore{c: c} }

// Email returns the contact address for userID.
func (s *UserStore) Email(ctx context.Context, userID string) (string, error) {
	var rows []struct {
		Email string `json:"email"`
	}
	found, err := s.c.do(ctx, request{
		method: http.MethodGet,
		table:  "users",
		query:  url.Values{"id": {eq(userID)}, "select": {"email"}, "limit": {"1"}},
	}, &rows)
	if err != nil {
		return "", fmt.Errorf("get user email: %w", err)
	}
	if !found || len(rows) == 0 || rows[0].Email == "" {
		return "", model.ErrUserNotFound
	}
	return rows[0].Email, nil
}
