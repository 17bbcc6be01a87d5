package config

import (
	"strings"
	"time"
)

// FulfillmentConfig controls provider selection and fallback.
type FulfillmentConfig struct {
	// MaxAttempts is the number of publish attempts per order or item.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"5"`

	// BackoffInterval is multiplied by the attempt index before each retry.
	BackoffInterval time.Duration `env:"BACKOFF_INTERVAL" envDefault:"2s"`

	// ProbeTimeout bounds each provider reachability check.
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`

	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"60s"`

	// MaxConcurrency caps concurrent items of a multi-item order.
	MaxConcurrency int `env:"MAX_CONCURRENCY" envDefault:"3"`

	// SuccessThreshold is the success ratio at which a multi-item order is completed.
	SuccessThreshold float64 `env:"SUCCESS_THRESHOLD" envDefault:"0.7"`
}

// Sanitize applies guardrails to fulfillment configuration values.
func (f *FulfillmentConfig) Sanitize() {
	f.MaxAttempts = clampInt(f.MaxAttempts, 1, 20)
	if f.BackoffInterval < 0 {
		f.BackoffInterval = 0
	}
	if f.ProbeTimeout <= 0 || f.ProbeTimeout > 10*time.Second {
		f.ProbeTimeout = 10 * time.Second
	}
	if f.PublishTimeout <= 0 || f.PublishTimeout > 60*time.Second {
		f.PublishTimeout = 60 * time.Second
	}
	f.MaxConcurrency = clampInt(f.MaxConcurrency, 1, 16)
	if f.SuccessThreshold <= 0 || f.SuccessThreshold > 1 {
		f.SuccessThreshold = 0.7
	}
}

// ContentConfig controls article generation.
type ContentConfig struct {
	// MinWords is the body length expansions aim for.
	MinWords int `env:"MIN_WORDS" envDefault:"1200"`

	// MaxExpansions caps expansion calls per body.
	MaxExpansions int `env:"MAX_EXPANSIONS" envDefault:"3"`

	// MaxRetries is the number of retries per generator call.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"2"`

	// RetryBackoff is the base delay between generator retries.
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`

	// CallTimeout bounds each generator call.
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"90s"`

	// WithImage requests an illustrative image per article.
	WithImage bool `env:"WITH_IMAGE" envDefault:"true"`

	// GeminiAPIKey authenticates against the Gemini API. Empty selects the templated generator.
	GeminiAPIKey string `env:"GEMINI_API_KEY"`

	// TextModel is the Gemini model used for text.
	TextModel string `env:"TEXT_MODEL" envDefault:"gemini-2.0-flash"`

	// ImageModel is the Gemini model used for images.
	ImageModel string `env:"IMAGE_MODEL" envDefault:"imagen-3.0-generate-002"`
}

// Sanitize applies guardrails to content configuration values.
func (c *ContentConfig) Sanitize() {
	c.MinWords = clampInt(c.MinWords, 100, 10000)
	c.MaxExpansions = clampInt(c.MaxExpansions, 0, 10)
	c.MaxRetries = clampInt(c.MaxRetries, 0, 10)
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 90 * time.Second
	}
	c.GeminiAPIKey = strings.TrimSpace(c.GeminiAPIKey)
}

// PublisherDriver selects the publisher implementation.
type PublisherDriver string

const (
	// PublisherWordPress publishes through the WordPress REST API.
	PublisherWordPress PublisherDriver = "wordpress"
	// PublisherFake returns scripted outcomes without network calls.
	PublisherFake PublisherDriver = "fake"
)

// PublisherConfig selects and configures the publisher.
type PublisherConfig struct {
	Driver PublisherDriver `env:"DRIVER" envDefault:"wordpress"`

	// FakeOutcomes scripts the fake publisher per domain, e.g.
	// "a.example=unreachable;b.example=credential". Unlisted domains succeed.
	FakeOutcomes map[string]string `env:"FAKE_OUTCOMES" envSeparator:";" envKeyValSeparator:"="`

	// MaxErrorBody bounds how much of an error response body is read.
	MaxErrorBody int64 `env:"MAX_ERROR_BODY" envDefault:"4096"`
}

// Sanitize applies guardrails to publisher configuration values.
func (p *PublisherConfig) Sanitize() {
	p.Driver = PublisherDriver(strings.ToLower(strings.TrimSpace(string(p.Driver))))
	if p.Driver != PublisherFake {
		p.Driver = PublisherWordPress
	}
	if p.MaxErrorBody <= 0 {
		p.MaxErrorBody = 4096
	}
}
