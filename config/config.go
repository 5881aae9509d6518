// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Weaviate  WeaviateConfig  `mapstructure:"weaviate"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Sanitizer SanitizerConfig `mapstructure:"sanitizer"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Charset  string `mapstructure:"charset"`
}

// DSN renders the MySQL connection string.
func (d DatabaseConfig) DSN() string {
	charset := d.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		d.User, d.Password, d.Host, d.Port, d.DBName, charset)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr renders the host:port pair.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type WeaviateConfig struct {
	Host   string `mapstructure:"host"`
	Scheme string `mapstructure:"scheme"`
}

type EmbeddingConfig struct {
	ServiceURL string `mapstructure:"service_url"`
	CachePath  string `mapstructure:"cache_path"`
}

type LLMConfig struct {
	// Backend selects the generation provider: "openai" or "ollama".
	Backend string `mapstructure:"backend"`
}

type SearchConfig struct {
	// Endpoint is the web search API URL. Empty disables enrichment.
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

type PipelineConfig struct {
	TopK             int `mapstructure:"top_k"`
	MaxContextRunes  int `mapstructure:"max_context_runes"`
	HistoryLines     int `mapstructure:"history_lines"`
	SearchMaxResults int `mapstructure:"search_max_results"`
}

type SanitizerConfig struct {
	// PhraseFile is an optional YAML file of extra injection phrases,
	// hot reloaded on change.
	PhraseFile string `mapstructure:"phrase_file"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

// minReleaseSecretLen is the JWT secret floor enforced outside debug mode.
const minReleaseSecretLen = 32

// LoadConfig reads config.yaml from path and applies environment
// overrides. Every setting can come from an INLETDOCS_* variable, so a
// container deployment needs no config file at all.
func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("INLETDOCS")
	viper.AutomaticEnv()

	// Server
	viper.BindEnv("server.port", "INLETDOCS_PORT")
	viper.BindEnv("server.mode", "INLETDOCS_MODE")

	// Database
	viper.BindEnv("database.host", "INLETDOCS_DB_HOST")
	viper.BindEnv("database.port", "INLETDOCS_DB_PORT")
	viper.BindEnv("database.user", "INLETDOCS_DB_USER")
	viper.BindEnv("database.password", "INLETDOCS_DB_PASSWORD")
	viper.BindEnv("database.dbname", "INLETDOCS_DB_NAME")

	// Redis
	viper.BindEnv("redis.host", "INLETDOCS_REDIS_HOST")
	viper.BindEnv("redis.port", "INLETDOCS_REDIS_PORT")
	viper.BindEnv("redis.password", "INLETDOCS_REDIS_PASSWORD")

	// JWT
	viper.BindEnv("jwt.secret", "INLETDOCS_JWT_SECRET")

	// Weaviate
	viper.BindEnv("weaviate.host", "WEAVIATE_HOST")
	viper.BindEnv("weaviate.scheme", "WEAVIATE_SCHEME")

	// Embedding
	viper.BindEnv("embedding.service_url", "EMBEDDING_SERVICE_URL")
	viper.BindEnv("embedding.cache_path", "EMBEDDING_CACHE_PATH")

	// LLM
	viper.BindEnv("llm.backend", "LLM_BACKEND_TYPE")

	// Search
	viper.BindEnv("search.endpoint", "SEARCH_API_ENDPOINT")
	viper.BindEnv("search.api_key", "SEARCH_API_KEY")

	// Tracing
	viper.BindEnv("tracing.collector_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.charset", "utf8mb4")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("weaviate.scheme", "http")
	viper.SetDefault("embedding.cache_path", "/var/lib/inletdocs/embedding-cache")
	viper.SetDefault("llm.backend", "openai")
	viper.SetDefault("pipeline.top_k", 4)
	viper.SetDefault("pipeline.max_context_runes", 6000)
	viper.SetDefault("pipeline.history_lines", 20)
	viper.SetDefault("pipeline.search_max_results", 5)
	viper.SetDefault("tracing.enabled", true)
	viper.SetDefault("tracing.collector_endpoint", "localhost:4317")
}

// Validate rejects configurations that cannot run safely.
//
// Debug mode tolerates a short or missing JWT secret for local work; in
// release mode a weak secret is a startup error, not a warning.
func (c *Config) Validate() error {
	if c.Server.Mode == "release" {
		if len(c.JWT.Secret) < minReleaseSecretLen {
			return fmt.Errorf("jwt.secret must be at least %d characters in release mode",
				minReleaseSecretLen)
		}
	}
	if c.JWT.Secret == "" {
		// A secret of last resort keeps local bring-up working.
		if fromEnv := os.Getenv("JWT_SECRET"); fromEnv != "" {
			c.JWT.Secret = fromEnv
		} else {
			c.JWT.Secret = "inletdocs-dev-secret"
		}
	}
	return nil
}
