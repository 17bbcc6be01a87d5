// Package probe checks that a provider's site answers before content is
// generated for it.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

const (
	defaultTimeout = 10 * time.Second
	maxDrain       = 4 << 10
)

// Options configures an HTTPProber.
type Options struct {
	Client  *http.Client
	Timeout time.Duration
	// Path is appended to the provider base URL. Defaults to "/".
	Path      string
	UserAgent string
}

// HTTPProber issues a GET against a provider and reports whether it answered
// below 500.
type HTTPProber struct {
	client    *http.Client
	timeout   time.Duration
	path      string
	userAgent string
}

var _ core.Prober = (*HTTPProber)(nil)

// NewHTTPProber constructs an HTTPProber.
func NewHTTPProber(opts Options) *HTTPProber {
	p := &HTTPProber{
		client:    opts.Client,
		timeout:   opts.Timeout,
		path:      opts.Path,
		userAgent: opts.UserAgent,
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.path == "" {
		p.path = "/"
	}
	if p.userAgent == "" {
		p.userAgent = "placement-fulfillment-probe/1.0"
	}
	return p
}

// Probe implements core.Prober.
func (p *HTTPProber) Probe(ctx context.Context, provider *model.Provider) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.BaseURL()+p.path, nil)
	if err != nil {
		return model.ProbeResult{Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return model.ProbeResult{Detail: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	res := model.ProbeResult{StatusCode: resp.StatusCode, Reachable: resp.StatusCode < http.StatusInternalServerError}
	if !res.Reachable {
		res.Detail = resp.Status
	}
	return res
}
