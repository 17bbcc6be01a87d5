// Package gemini implements core.ContentGenerator on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

var (
	// ErrInvalidConfig is returned when the generator cannot be constructed.
	ErrInvalidConfig = errors.New("invalid gemini configuration")
	// ErrEmptyResponse is returned when the model produced no usable output.
	ErrEmptyResponse = errors.New("empty gemini response")
)

// modelsAPI is the subset of *genai.Models the generator calls.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateImages(ctx context.Context, model, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// Options configures a Generator.
type Options struct {
	APIKey     string
	TextModel  string
	ImageModel string
	Logger     *slog.Logger
}

// Generator produces article text and images with Gemini models.
type Generator struct {
	models     modelsAPI
	textModel  string
	imageModel string
	logger     *slog.Logger
}

var _ core.ContentGenerator = (*Generator)(nil)

// New creates a Generator backed by the Gemini API.
func New(ctx context.Context, opts Options) (*Generator, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key cannot be empty", ErrInvalidConfig)
	}
	if opts.TextModel == "" {
		return nil, fmt.Errorf("%w: text model cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %w", ErrInvalidConfig, err)
	}
	return newGenerator(client.Models, opts), nil
}

func newGenerator(models modelsAPI, opts Options) *Generator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		models:     models,
		textModel:  opts.TextModel,
		imageModel: opts.ImageModel,
		logger:     logger.With("component", "gemini_generator"),
	}
}

// GenerateText implements core.ContentGenerator. A safety block is reported
// as model.ErrContentPolicy.
func (g *Generator) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.textModel, genai.Text(prompt), nil)
	if err != nil {
		return "", classify(fmt.Errorf("generate content: %w", err))
	}
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s", model.ErrContentPolicy, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrEmptyResponse)
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety || cand.FinishReason == genai.FinishReasonProhibitedContent {
		return "", fmt.Errorf("%w: finish reason %s", model.ErrContentPolicy, cand.FinishReason)
	}
	if cand.Content == nil {
		return "", fmt.Errorf("%w: candidate without content", ErrEmptyResponse)
	}

	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%w: no text parts", ErrEmptyResponse)
	}

	g.logger.DebugContext(ctx, "text generated", "model", g.textModel, "chars", len(text))
	return text, nil
}

// GenerateImage implements core.ContentGenerator. An image filtered by the
// responsible-AI checks is reported as model.ErrContentPolicy.
func (g *Generator) GenerateImage(ctx context.Context, prompt string) (*model.ImageAsset, error) {
	if g.imageModel == "" {
		return nil, fmt.Errorf("%w: image model not configured", ErrInvalidConfig)
	}
	resp, err := g.models.GenerateImages(ctx, g.imageModel, prompt, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("generate images: %w", err))
	}
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrEmptyResponse)
	}

	img := resp.GeneratedImages[0]
	if img.RAIFilteredReason != "" {
		return nil, fmt.Errorf("%w: %s", model.ErrContentPolicy, img.RAIFilteredReason)
	}
	if img.Image == nil || len(img.Image.ImageBytes) == 0 {
		return nil, fmt.Errorf("%w: image without bytes", ErrEmptyResponse)
	}

	mime := img.Image.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &model.ImageAsset{
		Filename: "featured" + extensionFor(mime),
		MIMEType: mime,
		Data:     img.Image.ImageBytes,
	}, nil
}

// classify maps safety errors surfaced as API errors onto model.ErrContentPolicy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "safety") || strings.Contains(msg, "content_policy") || strings.Contains(msg, "blocked") {
		return fmt.Errorf("%w: %w", model.ErrContentPolicy, err)
	}
	return err
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
