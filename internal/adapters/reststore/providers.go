package reststore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

const (
	providersTable   = "providers"
	recordUsageRPC   = "rpc/record_provider_usage"
	providerOrdering = "domain.asc"
)

var errProviderIDRequired = errors.New("provider id is required")

// providerRow mirrors the providers table. model.Provider hides the password
// from JSON, so credentials travel through this row type only.
type providerRow struct {
	ID                string               `json:"id"`
	Domain            string               `json:"domain"`
	Username          string               `json:"username"`
	AppPassword       string               `json:"app_password"`
	Status            model.ProviderStatus `json:"status"`
	DomainAuthority   int                  `json:"domain_authority"`
	PageAuthority     int                  `json:"page_authority"`
	SuccessCount      int                  `json:"success_count"`
	FailureCount      int                  `json:"failure_count"`
	CredentialFailure bool                 `json:"credential_failure"`
	ResultURLPath     string               `json:"result_url_path"`
	LastUsedAt        *time.Time           `json:"last_used_at"`
	LastCheckedAt     *time.Time           `json:"last_checked_at"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func (r providerRow) toModel() *model.Provider {
	return &model.Provider{
		ID:                r.ID,
		Domain:            r.Domain,
		Credentials:       model.Credentials{Username: r.Username, Password: r.AppPassword},
		Status:            r.Status,
		DomainAuthority:   r.DomainAuthority,
		PageAuthority:     r.PageAuthority,
		SuccessCount:      r.SuccessCount,
		FailureCount:      r.FailureCount,
		CredentialFailure: r.CredentialFailure,
		ResultURLPath:     r.ResultURLPath,
		LastUsedAt:        r.LastUsedAt,
		LastCheckedAt:     r.LastCheckedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// ProviderStore implements core.ProviderRepository over the providers table.
type ProviderStore struct {
	c *Client
}

var _ core.ProviderRepository = (*ProviderStore)(nil)

// NewProviderStore wraps c.
func NewProviderStore(c *Client) *ProviderStore { return &ProviderStore{c: c} }

// List returns providers in any of the given statuses, or all when none are given.
func (s *ProviderStore) List(ctx context.Context, statuses ...model.ProviderStatus) ([]*model.Provider, error) {
	q := url.Values{"order": {providerOrdering}}
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		q.Set("status", in(vals))
	}
	var rows []providerRow
	if _, err := s.c.do(ctx, request{method: http.MethodGet, table: providersTable, query: q}, &rows); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]*model.Provider, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetByID loads one provider.
func (s *ProviderStore) GetByID(ctx context.Context, id string) (*model.Provider, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errProviderIDRequired
	}
	var rows []providerRow
	found, err := s.c.do(ctx, request{
		method: http.MethodGet,
		table:  providersTable,
		query:  url.Values{"id": {eq(id)}, "limit": {"1"}},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if !found || len(rows) == 0 {
		return nil, model.ErrProviderNotFound
	}
	return rows[0].toModel(), nil
}

type providerPatch struct {
	Status            model.ProviderStatus `json:"status"`
	CredentialFailure *bool                `json:"credential_failure,omitempty"`
	LastCheckedAt     *time.Time           `json:"last_checked_at,omitempty"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// UpdateStatus flips the provider status. With u.Expected set the patch is
// filtered on the stored status, and an empty representation reports false.
func (s *ProviderStore) UpdateStatus(ctx context.Context, u model.ProviderStatusUpdate) (bool, error) {
	if strings.TrimSpace(u.ProviderID) == "" {
		return false, errProviderIDRequired
	}
	if !u.To.Valid() {
		return false, fmt.Errorf("invalid provider status %q", u.To)
	}
	q := url.Values{"id": {eq(u.ProviderID)}, "select": {"id"}}
	if u.Expected != nil {
		q.Set("status", eq(string(*u.Expected)))
	}
	patch := providerPatch{
		Status:            u.To,
		CredentialFailure: u.CredentialFailure,
		UpdatedAt:         s.c.now().UTC(),
	}
	if u.CheckedAt != nil {
		at := u.CheckedAt.UTC()
		patch.LastCheckedAt = &at
	}
	var rows []struct {
		ID string `json:"id"`
	}
	found, err := s.c.do(ctx, request{
		method: http.MethodPatch,
		table:  providersTable,
		query:  q,
		body:   patch,
		prefer: "return=representation",
	}, &rows)
	if err != nil {
		return false, fmt.Errorf("update provider status: %w", err)
	}
	return found && len(rows) > 0, nil
}

type usageParams struct {
	ProviderID string    `json:"p_provider_id"`
	Success    bool      `json:"p_success"`
	At         time.Time `json:"p_at"`
}

// RecordUsage bumps the success or failure counter through the
// record_provider_usage function so concurrent workers never lose an increment.
func (s *ProviderStore) RecordUsage(ctx context.Context, u model.ProviderUsage) error {
	if strings.TrimSpace(u.ProviderID) == "" {
		return errProviderIDRequired
	}
	at := u.At
	if at.IsZero() {
		at = s.c.now()
	}
	if _, err := s.c.do(ctx, request{
		method: http.MethodPost,
		table:  recordUsageRPC,
		body:   usageParams{ProviderID: u.ProviderID, Success: u.Success, At: at.UTC()},
	}, nil); err != nil {
		return fmt.Errorf("record provider usage: %w", err)
	}
	return nil
}
