package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
)

const settingsKey = "runtime_settings"

// OnChangeFunc is called after settings are updated.
type OnChangeFunc func(settings domain.RuntimeSettings)

// SettingsStore keeps the runtime tunables in the settings repository.
// The renderer API key is encrypted at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     ports.SettingsRepository
	base     domain.EngineConfig
	current  domain.RuntimeSettings
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved settings, seeding the repository from base on
// first run. Saved settings take precedence over base.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo ports.SettingsRepository, secret *SecretKey, base *domain.EngineConfig) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
		base:   *base,
	}

	settings, found, err := store.load(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Info("no saved settings found, seeding from configuration")
		settings = base.RuntimeSettings()
		if err := store.save(ctx, settings); err != nil {
			return nil, fmt.Errorf("save initial settings: %w", err)
		}
	}

	store.current = settings
	return store, nil
}

// OnChange registers a callback run after every successful update.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Settings returns the current settings with the API key in clear text.
func (s *SettingsStore) Settings() domain.RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSettings(s.current)
}

// Config returns the base configuration with the current settings applied.
func (s *SettingsStore) Config() *domain.EngineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.base
	cfg.Apply(cloneSettings(s.current))
	return &cfg
}

// MaskedSettings returns settings safe for an API response.
func (s *SettingsStore) MaskedSettings() domain.RuntimeSettings {
	out := s.Settings()
	out.RendererAPIKey = MaskSecret(out.RendererAPIKey)
	return out
}

// Update validates, persists and publishes new settings. An empty or masked
// API key keeps the stored one.
func (s *SettingsStore) Update(ctx context.Context, update domain.RuntimeSettings) (domain.RuntimeSettings, error) {
	s.mu.Lock()

	if update.RendererAPIKey == "" || isMasked(update.RendererAPIKey) {
		update.RendererAPIKey = s.current.RendererAPIKey
	}
	if len(update.Generation.DefaultMaterials) == 0 {
		update.Generation.DefaultMaterials = slices.Clone(s.current.Generation.DefaultMaterials)
	}

	candidate := s.base
	candidate.Apply(update)
	if err := Validate(&candidate); err != nil {
		s.mu.Unlock()
		return domain.RuntimeSettings{}, err
	}

	if err := s.save(ctx, update); err != nil {
		s.mu.Unlock()
		return domain.RuntimeSettings{}, err
	}
	s.current = cloneSettings(update)
	callbacks := slices.Clone(s.onChange)
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"max_concurrent_jobs", update.Generation.MaxConcurrentJobs,
		"max_queue_size", update.Generation.MaxQueueSize,
		"max_retries", update.Generation.MaxRetries,
	)

	for _, fn := range callbacks {
		fn(cloneSettings(update))
	}
	return update, nil
}

func (s *SettingsStore) load(ctx context.Context) (domain.RuntimeSettings, bool, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return domain.RuntimeSettings{}, false, fmt.Errorf("read settings: %w", err)
	}
	if raw == "" {
		return domain.RuntimeSettings{}, false, nil
	}

	var stored storedSettings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return domain.RuntimeSettings{}, false, fmt.Errorf("unmarshal settings: %w", err)
	}

	settings := domain.RuntimeSettings{
		Generation: stored.Generation,
		Resources:  stored.Resources,
	}
	if stored.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt renderer API key", "error", err)
		} else {
			settings.RendererAPIKey = key
		}
	}
	return settings, true, nil
}

func (s *SettingsStore) save(ctx context.Context, settings domain.RuntimeSettings) error {
	stored := storedSettings{
		Generation: settings.Generation,
		Resources:  settings.Resources,
	}
	if settings.RendererAPIKey != "" {
		enc, err := s.secret.Encrypt(settings.RendererAPIKey)
		if err != nil {
			return fmt.Errorf("encrypt renderer API key: %w", err)
		}
		stored.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

// storedSettings is the persisted form with the secret encrypted.
type storedSettings struct {
	Generation      domain.GenerationConfig `json:"generation"`
	Resources       domain.ResourceConfig   `json:"resources"`
	EncryptedAPIKey string                  `json:"encrypted_api_key,omitempty"`
}

func cloneSettings(s domain.RuntimeSettings) domain.RuntimeSettings {
	s.Generation.DefaultMaterials = slices.Clone(s.Generation.DefaultMaterials)
	return s
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}
