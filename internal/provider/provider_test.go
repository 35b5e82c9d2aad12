package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"toeic-pipeline/internal/domain"
	"toeic-pipeline/internal/pipeline"
)

// TestStatusFailureClassification verifies HTTP rejections map to the
// rotation failure taxonomy.
func TestStatusFailureClassification(t *testing.T) {
	cases := []struct {
		status int
		want   domain.FailureKind
	}{
		{http.StatusTooManyRequests, domain.FailureRateLimited},
		{http.StatusUnauthorized, domain.FailureAuthError},
		{http.StatusForbidden, domain.FailureAuthError},
		{http.StatusNotFound, domain.FailureModelUnavailable},
		{http.StatusInternalServerError, domain.FailureUnknown},
	}

	for _, c := range cases {
		err := statusFailure(c.status, "quota exceeded")
		var failure *pipeline.Failure
		if !errors.As(err, &failure) {
			t.Fatalf("status %d: err = %v, want *pipeline.Failure", c.status, err)
		}
		if failure.Kind != c.want {
			t.Fatalf("status %d: kind = %s, want %s", c.status, failure.Kind, c.want)
		}
	}
}

// TestGoogleGenerateParsesCandidates verifies request shape and response
// text extraction.
func TestGoogleGenerateParsesCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k1" {
			t.Errorf("key = %s", r.URL.Query().Get("key"))
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"generated "},{"text":"item"}]}}]}`))
	}))
	defer server.Close()

	client := NewGoogleWithBaseURL(server.URL)
	out, err := client.Generate(context.Background(), "k1", "gemini-2.0-flash", "prompt", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "generated item" {
		t.Fatalf("out = %q", out)
	}
}

// TestGoogleRateLimitIsClassified verifies a 429 surfaces as a
// rate-limited failure for the rotator.
func TestGoogleRateLimitIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewGoogleWithBaseURL(server.URL)
	_, err := client.Generate(context.Background(), "k1", "gemini-2.0-flash", "prompt", "")

	var failure *pipeline.Failure
	if !errors.As(err, &failure) || failure.Kind != domain.FailureRateLimited {
		t.Fatalf("err = %v, want rate_limited failure", err)
	}
}

// TestGoogleListModelsStripsPrefix verifies catalog names are normalized.
func TestGoogleListModelsStripsPrefix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"models/gemini-2.0-flash"},{"name":"models/gemini-1.5-flash"}]}`))
	}))
	defer server.Close()

	client := NewGoogleWithBaseURL(server.URL)
	models, err := client.ListModels(context.Background(), "k1")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "gemini-2.0-flash" {
		t.Fatalf("models = %v", models)
	}
}

// TestOpenAIGenerateSendsBearer verifies auth header and response parse.
func TestOpenAIGenerateSendsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k1" {
			t.Errorf("auth = %s", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"generated item"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIWithBaseURL(server.URL)
	out, err := client.Generate(context.Background(), "k1", "gpt-4o-mini", "prompt", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "generated item" {
		t.Fatalf("out = %q", out)
	}
}
