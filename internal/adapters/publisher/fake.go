package publisher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// FakePublisher returns scripted outcomes per provider domain without any
// network call. Unscripted domains succeed with a synthetic URL.
type FakePublisher struct {
	mu     sync.Mutex
	script map[string]model.PublishOutcome
	seq    int
	calls  []string
}

var _ core.Publisher = (*FakePublisher)(nil)

// NewFakePublisher parses a domain to outcome script. Outcomes are "ok" or a
// model.FailureReason such as "unreachable" or "credential".
func NewFakePublisher(script map[string]string) (*FakePublisher, error) {
	f := &FakePublisher{script: make(map[string]model.PublishOutcome, len(script))}
	for domain, name := range script {
		out, err := parseOutcome(name)
		if err != nil {
			return nil, fmt.Errorf("fake outcome for %s: %w", domain, err)
		}
		f.script[strings.ToLower(strings.TrimSpace(domain))] = out
	}
	return f, nil
}

func parseOutcome(name string) (model.PublishOutcome, error) {
	switch reason := model.FailureReason(strings.ToLower(strings.TrimSpace(name))); reason {
	case "ok", "":
		return model.PublishOutcome{Kind: model.OutcomeOK}, nil
	case model.ReasonUnreachable, model.ReasonInvalidResponse:
		return model.Retryable(reason, "scripted"), nil
	case model.ReasonServerError:
		return model.Retryable(reason, "scripted").WithStatus(503), nil
	case model.ReasonCredential:
		return model.Fatal(reason, "scripted").WithStatus(401), nil
	case model.ReasonContentRejected:
		return model.Fatal(reason, "scripted").WithStatus(400), nil
	default:
		return model.PublishOutcome{}, fmt.Errorf("unknown outcome %q", name)
	}
}

// Publish implements core.Publisher.
func (f *FakePublisher) Publish(_ context.Context, p *model.Provider, _ *model.Article) model.PublishOutcome {
	domain := strings.ToLower(strings.TrimSpace(p.Domain))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, domain)

	out, scripted := f.script[domain]
	if scripted && !out.IsOK() {
		return out
	}
	f.seq++
	id := strconv.Itoa(f.seq)
	return model.Ok(p.BaseURL()+"/?p="+id, id).WithStatus(201)
}

// Calls returns the domains published to, in order.
func (f *FakePublisher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Scripted returns the scripted domains in sorted order.
func (f *FakePublisher) Scripted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.script))
	for d := range f.script {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
