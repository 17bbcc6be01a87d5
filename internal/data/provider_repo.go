package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/target/placement-fulfillment/internal/domain/model"
	apperrors "github.com/target/placement-fulfillment/internal/errors"
)

// ProviderRepo persists publishing targets and their health counters.
type ProviderRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewProviderRepo constructs a ProviderRepo.
func NewProviderRepo(db *sql.DB, tp TimeProvider) *ProviderRepo {
	return &ProviderRepo{DB: db, timeProvider: timeOrNow(tp)}
}

const providerColumns = `
  id, domain, username, app_password, status, domain_authority, page_authority,
  success_count, failure_count, credential_failure, result_url_path,
  last_used_at, last_checked_at, created_at, updated_at`

func scanProvider(scanner rowScanner) (*model.Provider, error) {
	var (
		p                  model.Provider
		lastUsed, lastSeen sql.NullTime
	)
	if err := scanner.Scan(
		&p.ID, &p.Domain, &p.Credentials.Username, &p.Credentials.Password, &p.Status,
		&p.DomainAuthority, &p.PageAuthority, &p.SuccessCount, &p.FailureCount,
		&p.CredentialFailure, &p.ResultURLPath, &lastUsed, &lastSeen,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.LastUsedAt = nullableTime(lastUsed)
	p.LastCheckedAt = nullableTime(lastSeen)
	return &p, nil
}

// List returns providers in any of the given statuses, or all when none are given.
func (r *ProviderRepo) List(ctx context.Context, statuses ...model.ProviderStatus) ([]*model.Provider, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY domain`, filter)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Provider
	for rows.Next() {
		p, scanErr := scanProvider(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan provider: %w", scanErr)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByID loads one provider.
func (r *ProviderRepo) GetByID(ctx context.Context, id string) (*model.Provider, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrProviderIDRequired
	}
	p, err := scanProvider(r.DB.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// UpdateStatus flips the provider status. With u.Expected set the write only
// lands while the stored status still matches; otherwise last writer wins.
func (r *ProviderRepo) UpdateStatus(ctx context.Context, u model.ProviderStatusUpdate) (bool, error) {
	if strings.TrimSpace(u.ProviderID) == "" {
		return false, ErrProviderIDRequired
	}
	if !u.To.Valid() {
		return false, fmt.Errorf("invalid provider status %q", u.To)
	}
	var expected any
	if u.Expected != nil {
		expected = string(*u.Expected)
	}
	var credFailure any
	if u.CredentialFailure != nil {
		credFailure = *u.CredentialFailure
	}
	var checkedAt any
	if u.CheckedAt != nil {
		checkedAt = u.CheckedAt.UTC()
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE providers
		SET status = $2,
		    credential_failure = COALESCE($3::boolean, credential_failure),
		    last_checked_at = COALESCE($4::timestamptz, last_checked_at),
		    updated_at = $5
		WHERE id = $1 AND ($6::text IS NULL OR status = $6::text)`,
		u.ProviderID, string(u.To), credFailure, checkedAt, r.timeProvider.Now().UTC(), expected)
	if err != nil {
		return false, fmt.Errorf("update provider status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update provider rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordUsage bumps the success or failure counter and last_used_at.
func (r *ProviderRepo) RecordUsage(ctx context.Context, u model.ProviderUsage) error {
	if strings.TrimSpace(u.ProviderID) == "" {
		return ErrProviderIDRequired
	}
	at := u.At
	if at.IsZero() {
		at = r.timeProvider.Now()
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE providers
		SET success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_used_at = $3,
		    updated_at = $3
		WHERE id = $1`, u.ProviderID, u.Success, at.UTC())
	if err != nil {
		return fmt.Errorf("record provider usage: %w", err)
	}
	return nil
}

// Create registers a provider.
func (r *ProviderRepo) Create(ctx context.Context, p *model.Provider) (*model.Provider, error) {
	if p == nil {
		return nil, errors.New("provider is required")
	}
	if strings.TrimSpace(p.Domain) == "" {
		return nil, errors.New("provider domain is required")
	}
	status := p.Status
	if status == "" {
		status = model.ProviderActive
	}
	created, err := scanProvider(r.DB.QueryRowContext(ctx, `
		INSERT INTO providers (domain, username, app_password, status, domain_authority, page_authority, result_url_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+providerColumns,
		p.Domain, p.Credentials.Username, p.Credentials.Password, string(status),
		p.DomainAuthority, p.PageAuthority, p.ResultURLPath))
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", apperrors.MapDBError(err))
	}
	return created, nil
}
