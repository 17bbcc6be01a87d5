// Package reststore reads and writes orders, providers and users through a
// PostgREST-style HTTP API. It is the STORE_DRIVER=rest alternative to the
// Postgres repositories in internal/data.
package reststore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/target/placement-fulfillment/config"
)

const maxErrorBodyBytes = 4 * 1024

// ErrUnexpectedStatus wraps any non-2xx answer from the store.
var ErrUnexpectedStatus = errors.New("unexpected store response")

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
	Now     func() time.Time
}

// OptionsFromConfig maps the STORE_ configuration section onto Options.
func OptionsFromConfig(cfg config.StoreConfig) Options {
	return Options{BaseURL: cfg.RESTURL, APIKey: cfg.RESTAPIKey, Timeout: cfg.Timeout}
}

// Client issues table requests against one PostgREST endpoint.
type Client struct {
	base   *url.URL
	apiKey string
	hc     *http.Client
	now    func() time.Time
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("store base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid store base url %q", raw)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := opts.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{base: base, apiKey: opts.APIKey, hc: hc, now: now}, nil
}

type request struct {
	method string
	table  string
	query  url.Values
	body   any
	prefer string
}

// do sends r and decodes the rows into out. An empty body, "null" or "[]"
// leaves out untouched and reports false.
func (c *Client) do(ctx context.Context, r request, out any) (bool, error) {
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return false, fmt.Errorf("encode %s request: %w", r.table, err)
		}
		body = bytes.NewReader(b)
	}

	u := c.base.JoinPath(r.table)
	u.RawQuery = r.query.Encode()
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return false, fmt.Errorf("build %s request: %w", r.table, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", r.method, r.table, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return false, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrUnexpectedStatus, r.method, r.table, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read %s response: %w", r.table, err)
	}
	if isEmpty(raw) || out == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s response: %w", r.table, err)
	}
	return true, nil
}

func isEmpty(raw []byte) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}

func eq(v string) string { return "eq." + v }

// in renders a PostgREST in.(a,b) filter. Values are quoted so commas and
// parentheses inside them stay literal.
func in(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}
