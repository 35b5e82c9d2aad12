package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"

	"toeic-pipeline/internal/domain"
)

// DefaultSettings builds a provider pool from environment variables for
// first launch, before any settings file has been persisted.
func DefaultSettings() domain.Settings {
	active := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	if active == "" {
		active = "google"
	}

	google := domain.ProviderConfig{
		Name:   "google",
		Keys:   keysFromEnv("GEMINI_API_KEYS", "GEMINI_API_KEY"),
		Models: listFromEnv("GEMINI_MODELS", "gemini-2.0-flash,gemini-1.5-flash"),
	}
	openai := domain.ProviderConfig{
		Name:   "openai",
		Keys:   keysFromEnv("OPENAI_API_KEYS", "OPENAI_API_KEY"),
		Models: listFromEnv("OPENAI_MODELS", "gpt-4o-mini"),
	}

	return domain.Settings{
		ActiveProvider: active,
		Providers:      []domain.ProviderConfig{google, openai},
	}
}

// keysFromEnv reads a comma-separated key list, falling back to a
// single-key variable, and labels entries by position.
func keysFromEnv(listVar, singleVar string) []domain.APIKey {
	raw := os.Getenv(listVar)
	if strings.TrimSpace(raw) == "" {
		raw = os.Getenv(singleVar)
	}

	parts := lo.Filter(strings.Split(raw, ","), func(k string, _ int) bool {
		return strings.TrimSpace(k) != ""
	})
	return lo.Map(parts, func(k string, i int) domain.APIKey {
		return domain.APIKey{
			Key:     strings.TrimSpace(k),
			Label:   keyLabel(i),
			Enabled: true,
		}
	})
}

// keyLabel produces a stable display name for the nth env-provided key.
func keyLabel(i int) string {
	return fmt.Sprintf("key-%d", i+1)
}

// listFromEnv splits a comma-separated env value with a default.
func listFromEnv(name, fallback string) []string {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		raw = fallback
	}

	out := make([]string, 0)
	for _, v := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
