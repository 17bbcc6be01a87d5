// Package publisher posts generated articles to provider sites.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

const (
	defaultMaxErrorBody = 4 << 10
	maxSuccessBody      = 2 << 20
	restPrefix          = "/wp-json/wp/v2"
)

// WordPressOptions configures a WordPressPublisher.
type WordPressOptions struct {
	Client       *http.Client
	MaxErrorBody int64
	Logger       *slog.Logger
}

// WordPressPublisher publishes through the WordPress REST API with
// application-password basic auth.
type WordPressPublisher struct {
	client       *http.Client
	maxErrorBody int64
	logger       *slog.Logger
}

var _ core.Publisher = (*WordPressPublisher)(nil)

// NewWordPressPublisher constructs a WordPressPublisher.
func NewWordPressPublisher(opts WordPressOptions) *WordPressPublisher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	limit := opts.MaxErrorBody
	if limit <= 0 {
		limit = defaultMaxErrorBody
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WordPressPublisher{client: client, maxErrorBody: limit, logger: logger.With("component", "wordpress_publisher")}
}

// response is a completed REST call. A transport failure is carried in err.
type response struct {
	status int
	body   []byte
	err    error
}

func (r response) ok() bool { return r.err == nil && r.status >= 200 && r.status < 300 }

// Publish implements core.Publisher.
func (w *WordPressPublisher) Publish(ctx context.Context, p *model.Provider, a *model.Article) model.PublishOutcome {
	post := map[string]any{
		"title":   a.Title,
		"content": a.HTMLBody,
		"status":  "publish",
	}

	if a.Image != nil && len(a.Image.Data) > 0 {
		mediaID, fatal := w.uploadMedia(ctx, p, a.Image)
		if fatal != nil {
			return *fatal
		}
		if mediaID > 0 {
			post["featured_media"] = mediaID
		}
	}

	tagIDs, fatal := w.resolveTags(ctx, p, a.Tags)
	if fatal != nil {
		return *fatal
	}
	if len(tagIDs) > 0 {
		post["tags"] = tagIDs
	}

	payload, err := json.Marshal(post)
	if err != nil {
		return model.Fatal(model.ReasonContentRejected, fmt.Sprintf("encode post: %v", err))
	}
	res := w.call(ctx, p, restPrefix+"/posts", "application/json", payload, nil)
	if !res.ok() {
		return w.classify(res)
	}

	var doc any
	if err := json.Unmarshal(res.body, &doc); err != nil {
		return model.Retryable(model.ReasonInvalidResponse, fmt.Sprintf("decode post response: %v", err)).WithStatus(res.status)
	}
	url, err := extractString(p.URLPath(), doc)
	if err != nil || url == "" {
		detail := "response has no post url at " + p.URLPath()
		if err != nil {
			detail = err.Error()
		}
		return model.Retryable(model.ReasonInvalidResponse, detail).WithStatus(res.status)
	}

	postID, _ := extractString("id", doc)
	w.logger.InfoContext(ctx, "post published", "provider", p.Domain, "url", url, "post_id", postID)
	return model.Ok(url, postID).WithStatus(res.status)
}

// uploadMedia returns the media id, or 0 when the upload failed in a way
// the post can survive without.
func (w *WordPressPublisher) uploadMedia(ctx context.Context, p *model.Provider, img *model.ImageAsset) (int64, *model.PublishOutcome) {
	filename := img.Filename
	if filename == "" {
		filename = "featured.png"
	}
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": filename}),
	}
	res := w.call(ctx, p, restPrefix+"/media", img.MIMEType, img.Data, headers)
	if fatal := w.abortOn(res); fatal != nil {
		return 0, fatal
	}
	if !res.ok() {
		w.logger.WarnContext(ctx, "media upload failed, posting without image", "provider", p.Domain, "status", res.status)
		return 0, nil
	}
	var media struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(res.body, &media); err != nil {
		w.logger.WarnContext(ctx, "media response unreadable, posting without image", "provider", p.Domain, "error", err)
		return 0, nil
	}
	return media.ID, nil
}

// resolveTags creates tags or reuses existing ones reported as term_exists.
func (w *WordPressPublisher) resolveTags(ctx context.Context, p *model.Provider, tags []string) ([]int64, *model.PublishOutcome) {
	ids := make([]int64, 0, len(tags))
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			continue
		}
		body, _ := json.Marshal(map[string]string{"name": tag})
		res := w.call(ctx, p, restPrefix+"/tags", "application/json", body, nil)
		if fatal := w.abortOn(res); fatal != nil {
			return nil, fatal
		}

		var term struct {
			ID   int64  `json:"id"`
			Code string `json:"code"`
			Data struct {
				TermID int64 `json:"term_id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(res.body, &term); err != nil {
			w.logger.DebugContext(ctx, "tag response unreadable, skipping tag", "provider", p.Domain, "tag", tag)
			continue
		}
		switch {
		case res.ok() && term.ID > 0:
			ids = append(ids, term.ID)
		case term.Code == "term_exists" && term.Data.TermID > 0:
			ids = append(ids, term.Data.TermID)
		default:
			w.logger.DebugContext(ctx, "tag not resolved, skipping", "provider", p.Domain, "tag", tag, "status", res.status)
		}
	}
	return ids, nil
}

// abortOn stops the publish for failures that would fail the post as well.
func (w *WordPressPublisher) abortOn(res response) *model.PublishOutcome {
	if res.err != nil || res.status >= http.StatusInternalServerError ||
		res.status == http.StatusUnauthorized || res.status == http.StatusForbidden {
		out := w.classify(res)
		return &out
	}
	return nil
}

func (w *WordPressPublisher) classify(res response) model.PublishOutcome {
	if res.err != nil {
		return model.Retryable(model.ReasonUnreachable, res.err.Error())
	}
	detail := http.StatusText(res.status)
	if msg := errorMessage(res.body); msg != "" {
		detail += ": " + msg
	}
	switch {
	case res.status >= http.StatusInternalServerError:
		return model.Retryable(model.ReasonServerError, detail).WithStatus(res.status)
	case res.status == http.StatusUnauthorized, res.status == http.StatusForbidden:
		return model.Fatal(model.ReasonCredential, detail).WithStatus(res.status)
	case res.status >= http.StatusBadRequest:
		return model.Fatal(model.ReasonContentRejected, detail).WithStatus(res.status)
	default:
		return model.Retryable(model.ReasonInvalidResponse, detail).WithStatus(res.status)
	}
}

func (w *WordPressPublisher) call(ctx context.Context, p *model.Provider, path, contentType string, body []byte, headers map[string]string) response {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL()+path, bytes.NewReader(body))
	if err != nil {
		return response{err: fmt.Errorf("build request: %w", err)}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBasicAuth(p.Credentials.Username, p.Credentials.Password)

	resp, err := w.client.Do(req)
	if err != nil {
		return response{err: err}
	}
	defer resp.Body.Close()

	limit := int64(maxSuccessBody)
	if resp.StatusCode >= http.StatusBadRequest {
		limit = w.maxErrorBody
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil && !errors.Is(err, io.EOF) {
		return response{err: fmt.Errorf("read response: %w", err)}
	}
	return response{status: resp.StatusCode, body: data}
}

func extractString(expr string, doc any) (string, error) {
	v, err := jmespath.Search(expr, doc)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", expr, err)
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return fmt.Sprint(t), nil
	}
}

// errorMessage pulls the message out of a WordPress error document.
func errorMessage(body []byte) string {
	var doc struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &doc) != nil {
		return ""
	}
	if doc.Code != "" && doc.Message != "" {
		return doc.Code + " " + doc.Message
	}
	return doc.Message + doc.Code
}
