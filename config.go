package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/relaycall-core/server/internal/agent/model"
	"github.com/relaycall-core/server/internal/core"
	pkgpostgres "github.com/relaycall-core/server/pkg/postgres"
	pkgredis "github.com/relaycall-core/server/pkg/redis"
)

// AppConfig defines every configurable parameter of the service, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Env string `envconfig:"APP_ENV" default:"development"`

	// Infrastructure
	Redis    pkgredis.Config
	Postgres pkgpostgres.Config
	Migrate  bool `envconfig:"DB_MIGRATE" default:"false"`
	// WorkflowDir switches workflow lookup from Postgres to YAML files.
	WorkflowDir string `envconfig:"WORKFLOW_DIR"`

	// LLM provider
	Provider   model.ProviderConfig
	Response   model.ResponseModelConfig
	Extraction model.ExtractionModelConfig
	Knowledge  model.KnowledgeConfig

	Engine       model.EngineConfig
	Conversation model.ConversationConfig
	Telephony    model.TelephonyConfig
	Server       model.ServerConfig
}

// Environment parses APP_ENV.
func (c AppConfig) Environment() core.Environment {
	return core.ParseEnvironment(c.Env)
}

// ConversationTTL parses CONVERSATION_TTL. An empty value disables expiry.
func (c AppConfig) ConversationTTL() (time.Duration, error) {
	if c.Conversation.TTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(c.Conversation.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid CONVERSATION_TTL %q: %w", c.Conversation.TTL, err)
	}
	return ttl, nil
}

// loadConfig reads envFile when it exists, then the process environment.
func loadConfig(envFile string) (AppConfig, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return AppConfig{}, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("process environment config: %w", err)
	}
	return cfg, nil
}
