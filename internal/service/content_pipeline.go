package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/content"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

var (
	errEmptyGeneration     = errors.New("generator returned no content")
	errGeneratorNotWired   = errors.New("content generator not configured")
	errGeneratorNilPayload = errors.New("generator returned no image")
)

// ContentPipelineOptions groups dependencies for ContentPipeline.
type ContentPipelineOptions struct {
	Generator core.ContentGenerator // Optional: nil always yields the templated article
	Config    config.ContentConfig  // Required: generation limits
	Logger    *slog.Logger          // Optional: structured logger
	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ContentPipeline turns a topic and a target URL into a publishable article.
type ContentPipeline struct {
	gen    core.ContentGenerator
	cfg    config.ContentConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewContentPipeline constructs a ContentPipeline.
func NewContentPipeline(opts ContentPipelineOptions) *ContentPipeline {
	cfg := opts.Config
	cfg.Sanitize()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &ContentPipeline{
		gen:    opts.Generator,
		cfg:    cfg,
		logger: logger.With("component", "content_pipeline"),
		sleep:  sleep,
	}
}

// GenerateRequest describes one article.
type GenerateRequest struct {
	Topic     string
	TargetURL string
	WantImage bool
}

// Generate builds an article. It never fails: generator errors degrade to
// fallbacks and are listed in Article.Errors.
func (p *ContentPipeline) Generate(ctx context.Context, req GenerateRequest) *model.Article {
	start := time.Now()
	if p.gen == nil {
		return p.Fallback(req, errGeneratorNotWired.Error())
	}

	art := &model.Article{Tags: content.Tags(req.Topic)}

	title, err := p.text(ctx, "title", content.TitlePrompt(req.Topic), content.TitlePrompt(content.GenericTopic(req.Topic)))
	if title = content.CleanTitle(title); err != nil || title == "" {
		if err == nil {
			err = errEmptyGeneration
		}
		title = content.FallbackTitle(req.Topic)
		art.Errors = append(art.Errors, err.Error())
		p.logger.WarnContext(ctx, "title generation failed, using fallback title", "topic", req.Topic, "error", err)
	}
	art.Title = title

	body, err := p.body(ctx, art, req.Topic, title)
	if err != nil {
		art.Errors = append(art.Errors, err.Error())
		art.HTMLBody = content.FallbackBody(title, req.Topic, req.TargetURL)
		art.Degraded = true
		p.logger.WarnContext(ctx, "body generation failed, using templated article", "topic", req.Topic, "error", err)
	} else {
		art.HTMLBody = content.InsertLink(content.MarkdownToHTML(body), req.Topic, req.TargetURL)
	}

	if req.WantImage && p.cfg.WithImage {
		img, err := retryGeneration(ctx, p, "image", content.ImagePrompt(req.Topic, title), content.SafeImagePrompt(req.Topic), p.gen.GenerateImage)
		if err == nil && img == nil {
			err = errGeneratorNilPayload
		}
		if err != nil {
			p.logger.WarnContext(ctx, "image generation failed, publishing without image", "topic", req.Topic, "error", err)
		} else {
			art.Image = img
		}
	}

	p.logger.InfoContext(ctx, "article generated",
		"topic", req.Topic,
		"words", content.WordCount(art.HTMLBody),
		"image", art.Image != nil,
		"degraded", art.Degraded,
		"duration", time.Since(start),
	)
	return art
}

// Fallback returns the templated article for req.
func (p *ContentPipeline) Fallback(req GenerateRequest, reason string) *model.Article {
	title := content.FallbackTitle(req.Topic)
	art := &model.Article{
		Title:    title,
		HTMLBody: content.FallbackBody(title, req.Topic, req.TargetURL),
		Tags:     content.Tags(req.Topic),
		Degraded: true,
	}
	if reason != "" {
		art.Errors = []string{reason}
	}
	return art
}

// body writes the opening, expands it towards MinWords and appends a
// conclusion. Only the opening is required.
func (p *ContentPipeline) body(ctx context.Context, art *model.Article, topic, title string) (string, error) {
	body, err := p.text(ctx, "body", content.BodyPrompt(title, topic), content.SafeTextPrompt(topic))
	if err != nil {
		return "", err
	}

	for i := 0; i < p.cfg.MaxExpansions; i++ {
		words := content.WordCount(body)
		if words >= p.cfg.MinWords {
			break
		}
		more, err := p.text(ctx, "expand",
			content.ExpandPrompt(body, words, content.ExpansionFocus(i)),
			content.ExpandPrompt(body, words, content.GenericTopic(topic)))
		if err != nil {
			art.Errors = append(art.Errors, err.Error())
			p.logger.WarnContext(ctx, "body expansion failed", "topic", topic, "expansion", i+1, "words", words, "error", err)
			break
		}
		body += "\n\n" + more
	}

	conclusion, err := p.text(ctx, "conclusion", content.ConclusionPrompt(body), content.ConclusionPrompt(content.GenericTopic(topic)))
	if err != nil {
		art.Errors = append(art.Errors, err.Error())
		return body, nil
	}
	return body + "\n\n" + conclusion, nil
}

func (p *ContentPipeline) text(ctx context.Context, step, prompt, safe string) (string, error) {
	out, err := retryGeneration(ctx, p, step, prompt, safe, p.gen.GenerateText)
	if err == nil && strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%s: %w", step, errEmptyGeneration)
	}
	return out, err
}

// retryGeneration calls fn up to MaxRetries+1 times. The first safety block
// swaps in the safe prompt without spending a retry.
func retryGeneration[T any](ctx context.Context, p *ContentPipeline, step, prompt, safe string, fn func(context.Context, string) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
		mutated bool
	)
	for attempt := 0; attempt <= p.cfg.MaxRetries; {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		out, err := fn(callCtx, prompt)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", step, ctx.Err())
		}

		if errors.Is(err, model.ErrContentPolicy) && !mutated && safe != prompt {
			mutated = true
			prompt = safe
			p.logger.InfoContext(ctx, "generation blocked by safety policy, retrying with generic prompt", "step", step)
			continue
		}

		attempt++
		if attempt > p.cfg.MaxRetries {
			break
		}
		p.logger.DebugContext(ctx, "generation failed, retrying", "step", step, "attempt", attempt, "error", err)
		if err := p.sleep(ctx, time.Duration(attempt)*p.cfg.RetryBackoff); err != nil {
			return zero, fmt.Errorf("%s: %w", step, err)
		}
	}
	return zero, fmt.Errorf("%s: %w", step, lastErr)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
