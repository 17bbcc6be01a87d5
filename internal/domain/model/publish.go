package model

import (
	"errors"
	"fmt"
)

// ErrContentPolicy is returned by a generator whose safety filter blocked the prompt.
var ErrContentPolicy = errors.New("content blocked by safety policy")

// Article is generated content ready for publishing.
type Article struct {
	Title    string      `json:"title"`
	HTMLBody string      `json:"html_body"`
	Tags     []string    `json:"tags,omitempty"`
	Image    *ImageAsset `json:"-"`
	Degraded bool        `json:"degraded"`
	Errors   []string    `json:"errors,omitempty"`
}

// ImageAsset is an optional illustrative image kept in memory.
type ImageAsset struct {
	Filename string
	MIMEType string
	Data     []byte
}

// OutcomeKind tags a PublishOutcome.
type OutcomeKind int

const (
	// OutcomeOK carries the public URL of the new post.
	OutcomeOK OutcomeKind = iota
	// OutcomeRetryable means the provider failed in a way another provider may not.
	OutcomeRetryable
	// OutcomeFatal means the provider must not be used again for this attempt.
	OutcomeFatal
)

// FailureReason classifies a non-OK outcome.
type FailureReason string

const (
	ReasonUnreachable     FailureReason = "unreachable"
	ReasonServerError     FailureReason = "server_error"
	ReasonInvalidResponse FailureReason = "invalid_response"
	ReasonCredential      FailureReason = "credential"
	ReasonContentRejected FailureReason = "content_rejected"
)

// Transient reports whether the reason may clear on its own.
func (r FailureReason) Transient() bool {
	return r == ReasonUnreachable || r == ReasonServerError || r == ReasonInvalidResponse
}

// PublishOutcome is the tagged result of one publish call.
type PublishOutcome struct {
	Kind       OutcomeKind
	URL        string
	PostID     string
	Reason     FailureReason
	Detail     string
	StatusCode int
}

// Ok builds a successful outcome.
func Ok(url, postID string) PublishOutcome {
	return PublishOutcome{Kind: OutcomeOK, URL: url, PostID: postID}
}

// Retryable builds a fallback-eligible failure.
func Retryable(reason FailureReason, detail string) PublishOutcome {
	return PublishOutcome{Kind: OutcomeRetryable, Reason: reason, Detail: detail}
}

// Fatal builds a failure that excludes the provider and is never retried blindly.
func Fatal(reason FailureReason, detail string) PublishOutcome {
	return PublishOutcome{Kind: OutcomeFatal, Reason: reason, Detail: detail}
}

// WithStatus records the HTTP status behind the outcome.
func (o PublishOutcome) WithStatus(code int) PublishOutcome {
	o.StatusCode = code
	return o
}

// IsOK reports success.
func (o PublishOutcome) IsOK() bool { return o.Kind == OutcomeOK }

func (o PublishOutcome) String() string {
	switch o.Kind {
	case OutcomeOK:
		return "ok(" + o.URL + ")"
	case OutcomeRetryable:
		return fmt.Sprintf("retryable(%s: %s)", o.Reason, o.Detail)
	default:
		return fmt.Sprintf("fatal(%s: %s)", o.Reason, o.Detail)
	}
}

// ProbeResult is the outcome of a reachability check.
type ProbeResult struct {
	Reachable  bool
	StatusCode int
	Detail     string
}
