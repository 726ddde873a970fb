package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
)

// ProjectFileName is the project configuration file at the project root
const ProjectFileName = "evolve.toml"

// loadEnvFiles loads .env files so ${VAR} references and api_key_env resolve
func loadEnvFiles(projectRoot string) {
	for _, name := range []string{".env", ".env.local"} {
		envFile := filepath.Join(projectRoot, name)
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to load %s: %v\n", envFile, err)
		}
	}
}

// LoadProjectConfig reads evolve.toml on top of the defaults. A missing file
// yields the defaults.
func LoadProjectConfig(projectRoot string) (*config.ProjectConfig, error) {
	cfg := config.DefaultProjectConfig()

	path := filepath.Join(projectRoot, ProjectFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ProjectFileName, err)
	}

	cfg.Notify.WebhookURL = os.ExpandEnv(cfg.Notify.WebhookURL)
	cfg.Store.RedisURL = os.ExpandEnv(cfg.Store.RedisURL)
	cfg.Package.BaseURL = os.ExpandEnv(cfg.Package.BaseURL)
	cfg.Server.PublicURL = os.ExpandEnv(cfg.Server.PublicURL)
	return cfg, nil
}

// applyOverrides lets EVOLVE_* variables and config.local.json override the
// project file for the knobs operators change per environment
func applyOverrides(v *viper.Viper, cfg *config.ProjectConfig) {
	overrides := map[string]*string{
		"llm_provider":   &cfg.LLM.Provider,
		"llm_model":      &cfg.LLM.Model,
		"store_driver":   &cfg.Store.Driver,
		"store_pending":  &cfg.Store.Pending,
		"redis_url":      &cfg.Store.RedisURL,
		"rollout_driver": &cfg.Rollout.Driver,
		"webhook_url":    &cfg.Notify.WebhookURL,
		"server_addr":    &cfg.Server.Addr,
		"public_url":     &cfg.Server.PublicURL,
	}
	for key, dst := range overrides {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	if v.IsSet("daily_cap") {
		cfg.Pipeline.DailyCap = v.GetInt("daily_cap")
	}
	if v.IsSet("approval_ttl") {
		cfg.Pipeline.ApprovalTTL = config.Duration{Duration: v.GetDuration("approval_ttl")}
	}
}

// Validate rejects project settings the pipeline cannot run with
func Validate(cfg *config.ProjectConfig) error {
	if cfg.Pipeline.DailyCap <= 0 {
		return &domain.ValidationError{Field: "pipeline.daily_cap", Message: "must be positive"}
	}
	if cfg.Pipeline.ApprovalTTL.Duration <= 0 {
		return &domain.ValidationError{Field: "pipeline.approval_ttl", Message: "must be positive"}
	}
	if cfg.Pipeline.RolloutTimeout.Duration <= 0 {
		return &domain.ValidationError{Field: "pipeline.rollout_timeout", Message: "must be positive"}
	}
	if cfg.Pipeline.SweepInterval.Duration <= 0 {
		return &domain.ValidationError{Field: "pipeline.sweep_interval", Message: "must be positive"}
	}
	if _, err := time.LoadLocation(cfg.Pipeline.Timezone); err != nil {
		return &domain.ValidationError{Field: "pipeline.timezone", Message: err.Error()}
	}
	if len(cfg.Build.Command) == 0 {
		return domain.Required("build.command")
	}

	checks := []struct {
		field string
		value string
		allow []string
	}{
		{"llm.provider", cfg.LLM.Provider, []string{"gemini", "openai", "static"}},
		{"store.driver", cfg.Store.Driver, []string{"file", "sqlite", "memory"}},
		{"store.pending", cfg.Store.Pending, []string{"store", "redis"}},
		{"rollout.driver", cfg.Rollout.Driver, []string{"helm", "kubernetes"}},
	}
	for _, c := range checks {
		if !lo.Contains(c.allow, c.value) {
			return &domain.ValidationError{Field: c.field, Message: fmt.Sprintf("must be one of %v, got %q", c.allow, c.value)}
		}
	}
	return nil
}
