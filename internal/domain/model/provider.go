package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProviderStatus is the availability of a publishing target.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "active"
	ProviderMaintenance ProviderStatus = "maintenance"
	ProviderInactive    ProviderStatus = "inactive"
)

// DefaultResultURLPath extracts the permalink from a WordPress post response.
const DefaultResultURLPath = "link"

// ErrProviderNotFound is returned when a provider id does not resolve.
var ErrProviderNotFound = errors.New("provider not found")

// Valid returns true if the ProviderStatus is known.
func (s ProviderStatus) Valid() bool {
	return s == ProviderActive || s == ProviderMaintenance || s == ProviderInactive
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ProviderStatus) UnmarshalText(text []byte) error {
	v := ProviderStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ProviderStatus: %q", v)
	}
	*s = v
	return nil
}

// Credentials authenticate against a provider's content API.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// String redacts the password.
func (c Credentials) String() string {
	return fmt.Sprintf("%s:***", c.Username)
}

// Provider is a third-party content site capable of publishing an article.
type Provider struct {
	ID                string         `json:"id"                        db:"id"`
	Domain            string         `json:"domain"                    db:"domain"`
	Credentials       Credentials    `json:"credentials"               db:"-"`
	Status            ProviderStatus `json:"status"                    db:"status"`
	DomainAuthority   int            `json:"domain_authority"          db:"domain_authority"`
	PageAuthority     int            `json:"page_authority"            db:"page_authority"`
	SuccessCount      int            `json:"success_count"             db:"success_count"`
	FailureCount      int            `json:"failure_count"             db:"failure_count"`
	CredentialFailure bool           `json:"credential_failure"        db:"credential_failure"`
	ResultURLPath     string         `json:"result_url_path,omitempty" db:"result_url_path"`
	LastUsedAt        *time.Time     `json:"last_used_at,omitempty"    db:"last_used_at"`
	LastCheckedAt     *time.Time     `json:"last_checked_at,omitempty" db:"last_checked_at"`
	CreatedAt         time.Time      `json:"created_at"                db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"                db:"updated_at"`
}

// BaseURL returns the provider's public https origin.
func (p *Provider) BaseURL() string {
	d := strings.TrimSpace(p.Domain)
	if strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://") {
		return strings.TrimSuffix(d, "/")
	}
	return "https://" + strings.TrimSuffix(d, "/")
}

// URLPath returns the JMESPath expression that locates the public URL.
func (p *Provider) URLPath() string {
	if strings.TrimSpace(p.ResultURLPath) == "" {
		return DefaultResultURLPath
	}
	return p.ResultURLPath
}

// ProviderStatusUpdate is a conditional status flip; last writer wins when
// Expected is nil.
type ProviderStatusUpdate struct {
	ProviderID        string
	Expected          *ProviderStatus
	To                ProviderStatus
	CredentialFailure *bool
	CheckedAt         *time.Time
}

// ProviderUsage records the outcome of one publish attempt.
type ProviderUsage struct {
	ProviderID string
	Success    bool
	At         time.Time
}
