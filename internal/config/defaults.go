package config

// DefaultChatModel is used for the final answer when the request names no model.
const DefaultChatModel = "gpt-4.1-nano"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/hondana/data/db/hondana.db"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = "/usr/local/var/hondana/data/indices/bleve"
	}
	if cfg.Corpus.BooksPath == "" {
		cfg.Corpus.BooksPath = "/usr/local/var/hondana/data/books.json"
	}
	if cfg.Models.Chat == "" {
		cfg.Models.Chat = DefaultChatModel
	}
	if cfg.Models.Intent == "" {
		cfg.Models.Intent = DefaultChatModel
	}
	if cfg.Models.Title == "" {
		cfg.Models.Title = DefaultChatModel
	}
	if cfg.Models.Summary == "" {
		cfg.Models.Summary = DefaultChatModel
	}
	if cfg.Models.Embedding == "" {
		cfg.Models.Embedding = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Context.MaxMessages == 0 {
		cfg.Context.MaxMessages = 50
	}
	if cfg.Context.TokenBudget == 0 {
		cfg.Context.TokenBudget = 3000
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.MinScore == 0 {
		cfg.Retrieval.MinScore = 0.25
	}
	if cfg.Retrieval.ConfidenceThreshold == 0 {
		cfg.Retrieval.ConfidenceThreshold = 0.5
	}
	if cfg.Cache.CatalogTTLSeconds == 0 {
		cfg.Cache.CatalogTTLSeconds = 300
	}
	if cfg.Cache.EmbeddingTTLSeconds == 0 {
		cfg.Cache.EmbeddingTTLSeconds = 900
	}
}
