// Package provider implements HTTP clients for the LLM/STT vendors the
// pipeline can use. Rejections are classified so the credential rotator
// can tell a quota or auth problem from a hard failure.
package provider

import (
	"fmt"
	"net/http"
	"time"

	"toeic-pipeline/internal/domain"
	"toeic-pipeline/internal/pipeline"
)

const defaultHTTPTimeout = 3 * time.Minute

// newHTTPClient returns the shared transport configuration. Per-call
// deadlines come from the caller's context; this is a hard upper bound.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// statusFailure classifies an HTTP rejection for the rotation path.
func statusFailure(status int, body string) error {
	kind := domain.FailureUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = domain.FailureRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.FailureAuthError
	case status == http.StatusNotFound:
		kind = domain.FailureModelUnavailable
	}

	return &pipeline.Failure{
		Kind: kind,
		Err:  fmt.Errorf("unexpected status %d: %s", status, truncateBody(body)),
	}
}

// truncateBody keeps error payloads short enough for log lines.
func truncateBody(body string) string {
	const max = 200
	if len(body) <= max {
		return body
	}
	return body[:max] + "..."
}
