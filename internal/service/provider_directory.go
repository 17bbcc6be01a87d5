package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// DefaultProbeTimeout bounds a single provider probe.
const DefaultProbeTimeout = 10 * time.Second

const healthCheckConcurrency = 4

// ProviderDirectoryOptions groups dependencies for ProviderDirectory.
type ProviderDirectoryOptions struct {
	Repo         core.ProviderRepository // Required: provider persistence
	Prober       core.Prober             // Required: reachability checks
	ProbeTimeout time.Duration           // Optional: defaults to DefaultProbeTimeout
	Logger       *slog.Logger            // Optional: structured logger
	// Shuffle orders providers without prior success. Defaults to math/rand/v2.
	Shuffle func(n int, swap func(i, j int))
	Now     func() time.Time
}

// ProviderDirectory selects publishing targets and keeps their status current.
type ProviderDirectory struct {
	repo         core.ProviderRepository
	prober       core.Prober
	probeTimeout time.Duration
	logger       *slog.Logger
	shuffle      func(n int, swap func(i, j int))
	now          func() time.Time
}

// NewProviderDirectory constructs a ProviderDirectory.
func NewProviderDirectory(opts ProviderDirectoryOptions) (*ProviderDirectory, error) {
	if opts.Repo == nil {
		return nil, errors.New("ProviderRepository is required")
	}
	if opts.Prober == nil {
		return nil, errors.New("prober is required")
	}
	d := &ProviderDirectory{
		repo:         opts.Repo,
		prober:       opts.Prober,
		probeTimeout: opts.ProbeTimeout,
		shuffle:      opts.Shuffle,
		now:          opts.Now,
	}
	if d.probeTimeout <= 0 || d.probeTimeout > DefaultProbeTimeout {
		d.probeTimeout = DefaultProbeTimeout
	}
	if d.shuffle == nil {
		d.shuffle = rand.Shuffle
	}
	if d.now == nil {
		d.now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d.logger = logger.With("component", "provider_directory")
	return d, nil
}

// CandidateQuery describes the order a candidate list is built for.
type CandidateQuery struct {
	TargetURL       string
	PreferredDomain string
	Exclude         []string
}

// Candidates returns active providers in attempt order: the preferred domain,
// then providers with prior success (most successes, then most recently
// used), then the rest in random order. Providers sharing the target's
// registrable domain and excluded domains are never returned.
func (d *ProviderDirectory) Candidates(ctx context.Context, q CandidateQuery) ([]*model.Provider, error) {
	providers, err := d.repo.List(ctx, model.ProviderActive)
	if err != nil {
		return nil, fmt.Errorf("list active providers: %w", err)
	}

	targetDomain := RegistrableDomain(q.TargetURL)
	excluded := make(map[string]bool, len(q.Exclude))
	for _, e := range q.Exclude {
		excluded[normalizeHost(e)] = true
	}
	preferred := normalizeHost(q.PreferredDomain)

	var (
		first  []*model.Provider
		proven []*model.Provider
		rest   []*model.Provider
	)
	for _, p := range providers {
		host := normalizeHost(p.Domain)
		switch {
		case excluded[host]:
			continue
		case targetDomain != "" && RegistrableDomain(p.Domain) == targetDomain:
			d.logger.DebugContext(ctx, "skipping provider on target domain", "provider", p.Domain)
			continue
		case preferred != "" && host == preferred:
			first = append(first, p)
		case p.SuccessCount > 0:
			proven = append(proven, p)
		default:
			rest = append(rest, p)
		}
	}

	sort.SliceStable(proven, func(i, j int) bool {
		if proven[i].SuccessCount != proven[j].SuccessCount {
			return proven[i].SuccessCount > proven[j].SuccessCount
		}
		return usedAfter(proven[i].LastUsedAt, proven[j].LastUsedAt)
	})
	d.shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	out := make([]*model.Provider, 0, len(first)+len(proven)+len(rest))
	out = append(out, first...)
	out = append(out, proven...)
	return append(out, rest...), nil
}

func usedAfter(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

// Probe checks a provider within the probe timeout.
func (d *ProviderDirectory) Probe(ctx context.Context, p *model.Provider) model.ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()
	res := d.prober.Probe(probeCtx, p)
	if res.Reachable && res.StatusCode >= 500 {
		res.Reachable = false
	}
	return res
}

// MarkCredentialFailure takes a provider that rejected its credentials out
// of rotation until an operator fixes them.
func (d *ProviderDirectory) MarkCredentialFailure(ctx context.Context, p *model.Provider) error {
	flag := true
	now := d.now()
	if _, err := d.repo.UpdateStatus(ctx, model.ProviderStatusUpdate{
		ProviderID:        p.ID,
		To:                model.ProviderMaintenance,
		CredentialFailure: &flag,
		CheckedAt:         &now,
	}); err != nil {
		return fmt.Errorf("mark credential failure for %s: %w", p.Domain, err)
	}
	d.logger.WarnContext(ctx, "provider credentials rejected, moved to maintenance", "provider", p.Domain)
	return nil
}

// RecordUsage updates last_used_at and the success or failure counter.
// Failures are logged; usage accounting never fails an order.
func (d *ProviderDirectory) RecordUsage(ctx context.Context, p *model.Provider, success bool) {
	if err := d.repo.RecordUsage(ctx, model.ProviderUsage{ProviderID: p.ID, Success: success, At: d.now()}); err != nil {
		d.logger.WarnContext(ctx, "record provider usage failed", "provider", p.Domain, "error", err)
	}
}

// HealthReport summarises one check_provider_health run.
type HealthReport struct {
	Checked     int      `json:"checked"`
	Unreachable []string `json:"unreachable,omitempty"`
	Restored    []string `json:"restored,omitempty"`
}

// CheckHealth probes active and maintenance providers. Unreachable active
// providers move to maintenance; reachable maintenance providers return to
// active unless their credentials were rejected.
func (d *ProviderDirectory) CheckHealth(ctx context.Context) (HealthReport, error) {
	providers, err := d.repo.List(ctx, model.ProviderActive, model.ProviderMaintenance)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list providers: %w", err)
	}

	results := make([]model.ProbeResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckConcurrency)
	for i, p := range providers {
		g.Go(func() error {
			results[i] = d.Probe(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Checked: len(providers)}
	var errs []error
	for i, p := range providers {
		next, changed := nextHealthStatus(p, results[i])
		now := d.now()
		current := p.Status
		ok, err := d.repo.UpdateStatus(ctx, model.ProviderStatusUpdate{
			ProviderID: p.ID,
			Expected:   &current,
			To:         next,
			CheckedAt:  &now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("update %s: %w", p.Domain, err))
			continue
		}
		if !ok || !changed {
			continue
		}
		if next == model.ProviderMaintenance {
			report.Unreachable = append(report.Unreachable, p.Domain)
			d.logger.WarnContext(ctx, "provider unreachable, moved to maintenance",
				"provider", p.Domain, "status_code", results[i].StatusCode, "detail", results[i].Detail)
		} else {
			report.Restored = append(report.Restored, p.Domain)
			d.logger.InfoContext(ctx, "provider reachable again, restored to active", "provider", p.Domain)
		}
	}

	d.logger.InfoContext(ctx, "provider health check finished",
		"checked", report.Checked,
		"unreachable", len(report.Unreachable),
		"restored", len(report.Restored),
	)
	return report, errors.Join(errs...)
}

func nextHealthStatus(p *model.Provider, res model.ProbeResult) (model.ProviderStatus, bool) {
	switch {
	case p.Status == model.ProviderActive && !res.Reachable:
		return model.ProviderMaintenance, true
	case p.Status == model.ProviderMaintenance && res.Reachable && !p.CredentialFailure:
		return model.ProviderActive, true
	default:
		return p.Status, false
	}
}

// RegistrableDomain returns the eTLD+1 of a URL or bare host, or the
// lower-cased host when it has no public suffix.
func RegistrableDomain(raw string) string {
	host := normalizeHost(raw)
	if host == "" {
		return ""
	}
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}

// normalizeHost reduces a URL or domain to its lower-cased host without www.
func normalizeHost(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
