package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const openaiBaseURL = "https://api.openai.com/v1"

// transcription always uses the dedicated STT model regardless of the
// rotated chat model
const openaiSTTModel = "whisper-1"

// OpenAI calls the chat completions and audio transcription APIs.
type OpenAI struct {
	baseURL string
	http    *http.Client
}

// NewOpenAI creates a client against the public endpoint.
func NewOpenAI() *OpenAI {
	return &OpenAI{baseURL: openaiBaseURL, http: newHTTPClient()}
}

// NewOpenAIWithBaseURL creates a client against a custom endpoint, used
// by tests and proxies.
func NewOpenAIWithBaseURL(baseURL string) *OpenAI {
	return &OpenAI{baseURL: strings.TrimRight(baseURL, "/"), http: newHTTPClient()}
}

// Generate produces item content from a prompt and an optional image.
func (o *OpenAI) Generate(ctx context.Context, key, model, prompt, imagePath string) (string, error) {
	content := []map[string]any{{"type": "text", "text": prompt}}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return "", fmt.Errorf("read image: %w", err)
		}
		content = append(content, map[string]any{
			"type": "image_url",
			"image_url": map[string]string{
				"url": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
			},
		})
	}

	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]any{{"role": "user", "content": content}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	body, err := o.do(req)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty response from model %s", model)
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// Transcribe uploads the audio file to the transcription endpoint.
func (o *OpenAI) Transcribe(ctx context.Context, key, model, audioPath string) (string, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", openaiSTTModel); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+key)

	body, err := o.do(req)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}

// ListModels queries the provider's model catalog.
func (o *OpenAI) ListModels(ctx context.Context, key string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key)

	body, err := o.do(req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// do executes a request and returns the body, classifying rejections.
func (o *OpenAI) do(req *http.Request) ([]byte, error) {
	resp, err := o.http.Do(req)
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
	return body, nil
}
