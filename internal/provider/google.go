package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Google calls the Gemini generateContent API for both item generation
// and audio transcription.
type Google struct {
	baseURL string
	http    *http.Client
}

// NewGoogle creates a Gemini client against the public endpoint.
func NewGoogle() *Google {
	return &Google{baseURL: googleBaseURL, http: newHTTPClient()}
}

// NewGoogleWithBaseURL creates a client against a custom endpoint, used
// by tests and proxies.
func NewGoogleWithBaseURL(baseURL string) *Google {
	return &Google{baseURL: strings.TrimRight(baseURL, "/"), http: newHTTPClient()}
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inline_data,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googleRequest struct {
	Contents []struct {
		Parts []googlePart `json:"parts"`
	} `json:"contents"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate produces item content from a prompt and an optional image.
func (g *Google) Generate(ctx context.Context, key, model, prompt, imagePath string) (string, error) {
	parts := []googlePart{{Text: prompt}}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return "", fmt.Errorf("read image: %w", err)
		}
		parts = append(parts, googlePart{InlineData: &googleInlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}

	return g.generateContent(ctx, key, model, parts)
}

// Transcribe sends the audio inline and asks the model for a verbatim
// transcript.
func (g *Google) Transcribe(ctx context.Context, key, model, audioPath string) (string, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	parts := []googlePart{
		{Text: "Transcribe this audio verbatim. Return only the spoken text."},
		{InlineData: &googleInlineData{
			MimeType: "audio/mp3",
			Data:     base64.StdEncoding.EncodeToString(data),
		}},
	}
	return g.generateContent(ctx, key, model, parts)
}

// ListModels queries the provider's model catalog.
func (g *Google) ListModels(ctx context.Context, key string) ([]string, error) {
	url := fmt.Sprintf("%s/models?key=%s", g.baseURL, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusFailure(resp.StatusCode, string(body))
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	models := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	return models, nil
}

// generateContent performs one generateContent call and extracts the
// first candidate's text.
func (g *Google) generateContent(ctx context.Context, key, model string, parts []googlePart) (string, error) {
	var reqBody googleRequest
	reqBody.Contents = make([]struct {
		Parts []googlePart `json:"parts"`
	}, 1)
	reqBody.Contents[0].Parts = parts

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusFailure(resp.StatusCode, string(body))
	}

	var parsed googleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from model %s", model)
	}

	var out strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		out.WriteString(part.Text)
	}
	return strings.TrimSpace(out.String()), nil
}
