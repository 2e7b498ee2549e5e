// Package main is the Hondana CLI entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/cache"
	"github.com/bookpile/hondana/internal/chat"
	"github.com/bookpile/hondana/internal/config"
	"github.com/bookpile/hondana/internal/corpus"
	"github.com/bookpile/hondana/internal/embedding"
	"github.com/bookpile/hondana/internal/extract"
	"github.com/bookpile/hondana/internal/gateway"
	"github.com/bookpile/hondana/internal/history"
	"github.com/bookpile/hondana/internal/intent"
	"github.com/bookpile/hondana/internal/keyword"
	"github.com/bookpile/hondana/internal/moderation"
	"github.com/bookpile/hondana/internal/pricing"
	"github.com/bookpile/hondana/internal/retrieval"
	"github.com/bookpile/hondana/internal/server"
	"github.com/bookpile/hondana/internal/storage"
	"github.com/bookpile/hondana/internal/usage"
	"github.com/bookpile/hondana/internal/vector"
	"github.com/bookpile/hondana/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/hondana/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "corpus":
		runCorpus()
	case "models":
		runModels()
	case "version", "--version", "-v":
		fmt.Printf("hondana version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (pipeline stages, retrieval scores, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	var corpusWatcher *corpus.Watcher
	if cfg.Corpus.WatchOrDefault() {
		corpusWatcher = corpus.NewWatcher(components.Library, logger)
		if err := corpusWatcher.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start corpus watcher", zap.Error(err))
		}
	}

	srv := server.NewServer(
		components.Pipeline,
		components.Store,
		components.Recorder,
		components.Pricer,
		components.Catalog,
		time.Duration(cfg.Cache.CatalogTTLSeconds)*time.Second,
		&cfg.Server,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if corpusWatcher != nil {
		corpusWatcher.Stop()
	}
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// runCorpus validates the book corpus and reports how many entries were
// loaded and indexed.
func runCorpus() {
	fs := flag.NewFlagSet("corpus", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	fmt.Printf("Corpus loaded: %d book(s) from %s\n", components.Library.Size(), cfg.Corpus.BooksPath)
	for _, book := range components.Library.Books() {
		fmt.Printf("  %s  %s\n", book.ID, book.Title)
	}
}

// runModels prints the priceable model catalog with per-million-token rates.
func runModels() {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	pricer, err := buildPricer(cfg)
	if err != nil {
		fmt.Printf("Failed to load rate table: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%-28s %10s %10s %10s\n", "model", "input", "cached", "output")
	for _, name := range pricer.Models() {
		rate, ok := pricer.RateFor(name)
		if !ok {
			continue
		}
		fmt.Printf("%-28s %10s %10s %10s\n", name, rate.Input.String(), rate.CachedInput.String(), rate.Output.String())
	}
}

// Components holds initialized services.
type Components struct {
	Store    storage.Store
	Embedder embedding.Embedder
	Keywords *keyword.BleveIndex
	Library  *corpus.Library
	Pricer   *pricing.Engine
	Recorder *usage.Recorder
	Pipeline *chat.Pipeline
	Catalog  *cache.TTLCache
}

func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Keywords != nil {
		_ = c.Keywords.Close()
	}
}

func buildPricer(cfg *config.Config) (*pricing.Engine, error) {
	rates := pricing.DefaultRates()
	if cfg.Pricing.RatesPath != "" {
		loaded, err := pricing.LoadRates(cfg.Pricing.RatesPath)
		if err != nil {
			return nil, err
		}
		rates = loaded
	}
	return pricing.NewEngine(rates), nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	gw := gateway.NewOpenAIGateway(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Models.Embedding, logger)

	cacheOpts := []cache.Option{}
	if cfg.Cache.Disabled {
		cacheOpts = append(cacheOpts, cache.Disabled())
	}
	memo := cache.New(cacheOpts...)

	var embedder embedding.Embedder
	if cfg.Embedding.LocalModelPath != "" {
		local, onnxErr := embedding.NewONNXEmbedder(cfg.Embedding.LocalModelPath, cfg.Embedding.Dimensions, cfg.Embedding.MaxTokens)
		if onnxErr != nil {
			logger.Warn("local embedder unavailable, using provider API",
				zap.String("model_path", cfg.Embedding.LocalModelPath),
				zap.Error(onnxErr))
		} else {
			embedder = local
		}
	}
	if embedder == nil {
		embeddingTTL := time.Duration(cfg.Cache.EmbeddingTTLSeconds) * time.Second
		embedder = embedding.NewRemoteEmbedder(gw, memo, embeddingTTL, cfg.Embedding.Dimensions)
	}

	vectors, err := vector.NewMemoryIndex(embedder.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	keywords, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	library := corpus.NewLibrary(cfg.Corpus.BooksPath, embedder, vectors, keywords, logger)
	if err := library.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	pricer, err := buildPricer(cfg)
	if err != nil {
		return nil, err
	}
	recorder := usage.NewRecorder(store, pricer, logger)

	var extraWords []string
	if cfg.Moderation.ExtraWordsPath != "" {
		extraWords, err = moderation.LoadWordList(cfg.Moderation.ExtraWordsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load moderation word list: %w", err)
		}
	}
	gate := moderation.NewGate(extraWords...)

	builder := history.NewBuilder(store, history.Options{
		MaxMessages: cfg.Context.MaxMessages,
		TokenBudget: cfg.Context.TokenBudget,
	}, logger)
	classifier := intent.NewClassifier(gw, cfg.Models.Intent, cfg.Retrieval.ConfidenceThreshold, logger)
	retriever := retrieval.NewRetriever(library, embedder, vectors, keywords, retrieval.Options{
		TopK:     cfg.Retrieval.TopK,
		MinScore: cfg.Retrieval.MinScore,
	}, logger)

	pipeline, err := chat.NewPipeline(
		store,
		gate,
		builder,
		classifier,
		retriever,
		gw,
		pricer,
		recorder,
		extract.NewExtractor(),
		chat.StageModels{
			Default: cfg.Models.Chat,
			Title:   cfg.Models.Title,
			Summary: cfg.Models.Summary,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	return &Components{
		Store:    store,
		Embedder: embedder,
		Keywords: keywords,
		Library:  library,
		Pricer:   pricer,
		Recorder: recorder,
		Pipeline: pipeline,
		Catalog:  memo,
	}, nil
}

func printUsage() {
	fmt.Println(`hondana - book recommendation chat service

Usage:
  hondana server [flags]    Start the HTTP server
  hondana corpus [flags]    Validate and list the book corpus
  hondana models [flags]    Print the priceable model catalog
  hondana version           Show version
  hondana help              Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/hondana/config.yaml)
  --debug            Enable debug logging (pipeline stages, retrieval scores, etc.)

Corpus Flags:
  --config string    Config file path

Models Flags:
  --config string    Config file path

Examples:
  hondana server
  hondana server --debug
  hondana corpus
  hondana models`)
}
