// Package config loads the Kestrel configuration from tier defaults, an
// optional YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Environment variables recognized by Load.
const (
	EnvConfig     = "KESTREL_CONFIG"
	EnvTier       = "KESTREL_TIER"
	EnvWebhookURL = "KESTREL_WEBHOOK_URL"
)

// Load builds the configuration. The tier (KESTREL_TIER, default
// community) selects the base defaults; the YAML file at path (or
// KESTREL_CONFIG when path is empty) overlays them; env vars win last.
func Load(path string) (*domain.Config, error) {
	cfg := defaultsForTier(domain.Tier(os.Getenv(EnvTier)))

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultsForTier(tier domain.Tier) *domain.Config {
	if tier == domain.TierPro {
		return domain.ProConfig()
	}
	return domain.DefaultConfig()
}

func applyEnv(cfg *domain.Config) {
	if v := os.Getenv(EnvWebhookURL); v != "" {
		cfg.Notifier.WebhookURL = v
	}
}

// Validate rejects configurations that cannot be wired.
func Validate(cfg *domain.Config) error {
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("unsupported tier: %s", cfg.Tier)
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Backtest.MaxCohortUnits <= 0 {
		return fmt.Errorf("backtest.maxCohortUnits must be positive")
	}
	if cfg.Backtest.ChunkSize <= 0 {
		return fmt.Errorf("backtest.chunkSize must be positive")
	}

	return nil
}
