// Package config provides configuration loading and structs for the Hondana server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Models     ModelsConfig     `yaml:"models"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Context    ContextConfig    `yaml:"context"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Cache      CacheConfig      `yaml:"cache"`
	Moderation ModerationConfig `yaml:"moderation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and the keyword index.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
}

// CorpusConfig holds book corpus settings.
type CorpusConfig struct {
	BooksPath string `yaml:"books_path"`
	Watch     *bool  `yaml:"watch"`
}

// WatchOrDefault returns whether to watch the corpus file for changes;
// defaults to true when unset.
func (c *CorpusConfig) WatchOrDefault() bool {
	if c.Watch != nil {
		return *c.Watch
	}
	return true
}

// OpenAIConfig holds provider credentials. APIKey falls back to the
// OPENAI_API_KEY environment variable when empty.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig names the model used per pipeline stage. Chat is the default
// for the final answer and can be overridden per request.
type ModelsConfig struct {
	Chat      string `yaml:"chat"`
	Intent    string `yaml:"intent"`
	Title     string `yaml:"title"`
	Summary   string `yaml:"summary"`
	Embedding string `yaml:"embedding"`
}

// EmbeddingConfig holds embedder settings. When LocalModelPath is set and the
// binary is built with CGO, a local ONNX embedder is used instead of the
// provider API.
type EmbeddingConfig struct {
	Dimensions     int    `yaml:"dimensions"`
	MaxTokens      int    `yaml:"max_tokens"`
	LocalModelPath string `yaml:"local_model_path"`
}

// ContextConfig bounds prompt context assembly.
type ContextConfig struct {
	MaxMessages int `yaml:"max_messages"`
	TokenBudget int `yaml:"token_budget"`
}

// RetrievalConfig holds retrieval and intent gating settings.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k"`
	MinScore            float64 `yaml:"min_score"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// PricingConfig points to an optional JSON rate table; when empty, the
// built-in table is used.
type PricingConfig struct {
	RatesPath string `yaml:"rates_path"`
}

// CacheConfig holds TTLs for memoized lookups. Disabled turns the cache into
// a pass-through (always recompute); pipeline outputs must not change.
type CacheConfig struct {
	Disabled            bool `yaml:"disabled"`
	CatalogTTLSeconds   int  `yaml:"catalog_ttl_seconds"`
	EmbeddingTTLSeconds int  `yaml:"embedding_ttl_seconds"`
}

// ModerationConfig holds profanity gate settings. ExtraWordsPath points to an
// optional newline-separated word list merged with the built-in one.
type ModerationConfig struct {
	ExtraWordsPath string `yaml:"extra_words_path"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	cfg.Corpus.BooksPath = expandPath(cfg.Corpus.BooksPath, configDir)
	if cfg.Embedding.LocalModelPath != "" {
		cfg.Embedding.LocalModelPath = expandPath(cfg.Embedding.LocalModelPath, configDir)
	}
	if cfg.Pricing.RatesPath != "" {
		cfg.Pricing.RatesPath = expandPath(cfg.Pricing.RatesPath, configDir)
	}
	if cfg.Moderation.ExtraWordsPath != "" {
		cfg.Moderation.ExtraWordsPath = expandPath(cfg.Moderation.ExtraWordsPath, configDir)
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
