package rotation

import (
	"errors"
	"fmt"
	"sync"

	"toeic-pipeline/internal/config"
	"toeic-pipeline/internal/domain"
)

// ErrProviderNotConfigured is returned for an unknown provider name.
var ErrProviderNotConfigured = errors.New("provider not configured")

// ErrNoUsableKeys is returned when a provider has no enabled keys.
var ErrNoUsableKeys = errors.New("no enabled API keys configured")

// ErrNoModels is returned when a provider has an empty model catalog.
var ErrNoModels = errors.New("no models configured")

// ErrExhausted signals that every enabled key and model combination has
// failed since the last successful call. Job-fatal for the active run.
var ErrExhausted = errors.New("all key/model combinations exhausted")

// ErrInvalidConfig is returned when a settings replacement fails validation.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Outcome reports the result of a failure report.
type Outcome string

const (
	OutcomeRotated   Outcome = "rotated"
	OutcomeExhausted Outcome = "exhausted"
)

// Rotator owns the provider pool and advances credential/model cursors
// after classified failures. User config edits and run-time rotation both
// go through its lock so neither path loses updates.
type Rotator struct {
	mu       sync.Mutex
	store    config.Store
	settings domain.Settings

	// failures since the last success, per provider
	attempts map[string]int
	onRotate func(resource string)
}

// New loads persisted settings and creates a rotator around them.
func New(store config.Store) (*Rotator, error) {
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load provider settings: %w", err)
	}

	return &Rotator{
		store:    store,
		settings: settings,
		attempts: make(map[string]int),
	}, nil
}

// SetRotationCallback registers a hook invoked with the new active
// resource description after every successful rotation step.
func (r *Rotator) SetRotationCallback(fn func(resource string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRotate = fn
}

// Acquire returns the currently active (key, model) pair for a provider,
// skipping disabled keys. It never mutates the cursors.
func (r *Rotator) Acquire(provider string) (domain.APIKey, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.providerLocked(provider)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if len(p.Models) == 0 {
		return domain.APIKey{}, "", fmt.Errorf("%w for %s", ErrNoModels, provider)
	}

	idx, ok := enabledKeyAt(*p, clampIndex(p.CurrentKeyIndex, len(p.Keys)))
	if !ok {
		return domain.APIKey{}, "", fmt.Errorf("%w for %s", ErrNoUsableKeys, provider)
	}

	model := p.Models[clampIndex(p.CurrentModelIndex, len(p.Models))]
	return p.Keys[idx], model, nil
}

// ReportSuccess resets the exhaustion counter for a provider.
func (r *Rotator) ReportSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, provider)
}

// ResetAttempts clears every provider's exhaustion counter. Called at run
// start so a new run gets a full key/model cycle no matter how the
// previous one ended.
func (r *Rotator) ResetAttempts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string]int)
}

// ReportFailure advances the rotation by exactly one step: next enabled key
// first, then next model with the key cursor reset once the key ring wraps.
// Once every enabled (key, model) combination has failed since the last
// success it reports OutcomeExhausted instead of rotating further.
func (r *Rotator) ReportFailure(provider string, kind domain.FailureKind) (Outcome, error) {
	r.mu.Lock()

	p, err := r.providerLocked(provider)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}

	enabled := enabledKeyCount(*p)
	if enabled == 0 {
		r.mu.Unlock()
		return "", fmt.Errorf("%w for %s", ErrNoUsableKeys, provider)
	}
	if len(p.Models) == 0 {
		r.mu.Unlock()
		return "", fmt.Errorf("%w for %s", ErrNoModels, provider)
	}

	r.attempts[provider]++
	if r.attempts[provider] > enabled*len(p.Models) {
		r.mu.Unlock()
		return OutcomeExhausted, nil
	}

	cur := clampIndex(p.CurrentKeyIndex, len(p.Keys))
	next, wrapped := nextEnabledKey(*p, cur)
	p.CurrentKeyIndex = next
	if wrapped {
		p.CurrentModelIndex = (clampIndex(p.CurrentModelIndex, len(p.Models)) + 1) % len(p.Models)
	}

	if err := r.store.Save(r.settings); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("persist rotation for %s (%s): %w", provider, kind, err)
	}

	resource := describeProvider(*p)
	onRotate := r.onRotate
	r.mu.Unlock()

	if onRotate != nil {
		onRotate(resource)
	}
	return OutcomeRotated, nil
}

// GetConfig returns a deep copy of the current settings.
func (r *Rotator) GetConfig() domain.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copySettings(r.settings)
}

// SetConfig validates and atomically replaces the provider pool, preserving
// each surviving provider's rotation cursors (clamped into the new lists),
// and persists the result before returning.
func (r *Rotator) SetConfig(settings domain.Settings) error {
	if err := validateSettings(settings); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := copySettings(settings)
	for i := range next.Providers {
		if prev, ok := r.settings.Provider(next.Providers[i].Name); ok {
			next.Providers[i].CurrentKeyIndex = prev.CurrentKeyIndex
			next.Providers[i].CurrentModelIndex = prev.CurrentModelIndex
		}
		next.Providers[i].CurrentKeyIndex = clampIndex(next.Providers[i].CurrentKeyIndex, len(next.Providers[i].Keys))
		next.Providers[i].CurrentModelIndex = clampIndex(next.Providers[i].CurrentModelIndex, len(next.Providers[i].Models))
	}

	if err := r.store.Save(next); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}

	r.settings = next
	r.attempts = make(map[string]int)
	return nil
}

// ActiveProvider returns the configured active provider name.
func (r *Rotator) ActiveProvider() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.ActiveProvider
}

// ActiveResource returns a display description of the active provider's
// current key and model, e.g. "Google gemini-2.0-flash (Key 1/2: main)".
func (r *Rotator) ActiveResource() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.providerLocked(r.settings.ActiveProvider)
	if err != nil {
		return fmt.Sprintf("Unknown provider (%s)", r.settings.ActiveProvider)
	}
	return describeProvider(*p)
}

// providerLocked returns a pointer into the settings slice for mutation.
func (r *Rotator) providerLocked(name string) (*domain.ProviderConfig, error) {
	for i := range r.settings.Providers {
		if r.settings.Providers[i].Name == name {
			return &r.settings.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
}

// validateSettings rejects malformed pools before anything is persisted.
func validateSettings(settings domain.Settings) error {
	if settings.ActiveProvider == "" {
		return fmt.Errorf("%w: active_provider is required", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(settings.Providers))
	for _, p := range settings.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: provider name is required", ErrInvalidConfig)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	if _, ok := settings.Provider(settings.ActiveProvider); !ok {
		return fmt.Errorf("%w: active provider %q is not in the pool", ErrInvalidConfig, settings.ActiveProvider)
	}
	return nil
}

// enabledKeyCount counts keys rotation may use.
func enabledKeyCount(p domain.ProviderConfig) int {
	count := 0
	for _, k := range p.Keys {
		if k.Enabled {
			count++
		}
	}
	return count
}

// enabledKeyAt returns from, or the first enabled index at or after it
// (wrapping once), and false when no key is enabled.
func enabledKeyAt(p domain.ProviderConfig, from int) (int, bool) {
	if len(p.Keys) == 0 {
		return 0, false
	}
	for i := 0; i < len(p.Keys); i++ {
		idx := (from + i) % len(p.Keys)
		if p.Keys[idx].Enabled {
			return idx, true
		}
	}
	return 0, false
}

// nextEnabledKey returns the first enabled index strictly after cur,
// wrapping. wrapped is true when the scan passed the end of the list,
// meaning the key ring has been fully cycled for the current model.
func nextEnabledKey(p domain.ProviderConfig, cur int) (next int, wrapped bool) {
	for i := 1; i <= len(p.Keys); i++ {
		idx := (cur + i) % len(p.Keys)
		if p.Keys[idx].Enabled {
			return idx, idx <= cur
		}
	}
	return cur, true
}

// describeProvider renders the active resource for logs and the UI.
func describeProvider(p domain.ProviderConfig) string {
	if len(p.Keys) == 0 || len(p.Models) == 0 {
		return fmt.Sprintf("%s (no usable keys)", capitalize(p.Name))
	}

	keyIdx := clampIndex(p.CurrentKeyIndex, len(p.Keys))
	modelIdx := clampIndex(p.CurrentModelIndex, len(p.Models))
	label := p.Keys[keyIdx].Label
	if label == "" {
		label = "unnamed"
	}

	return fmt.Sprintf("%s %s (Key %d/%d: %s)",
		capitalize(p.Name), p.Models[modelIdx], keyIdx+1, len(p.Keys), label)
}

// copySettings deep-copies the pool so callers cannot mutate shared state.
func copySettings(s domain.Settings) domain.Settings {
	out := domain.Settings{
		ActiveProvider: s.ActiveProvider,
		Providers:      make([]domain.ProviderConfig, len(s.Providers)),
	}
	for i, p := range s.Providers {
		cp := p
		cp.Keys = append([]domain.APIKey(nil), p.Keys...)
		cp.Models = append([]string(nil), p.Models...)
		out.Providers[i] = cp
	}
	return out
}

// clampIndex forces idx into [0, size) so stale persisted cursors cannot
// index out of range after a pool shrink.
func clampIndex(idx, size int) int {
	if size <= 0 {
		return 0
	}
	if idx < 0 || idx >= size {
		return 0
	}
	return idx
}

// capitalize upper-cases the first byte of an ASCII provider name.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
