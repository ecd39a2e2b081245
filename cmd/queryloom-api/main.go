package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/queryloom/queryloom/internal/api"
	"github.com/queryloom/queryloom/internal/auth"
	"github.com/queryloom/queryloom/internal/catalog"
	"github.com/queryloom/queryloom/internal/config"
	"github.com/queryloom/queryloom/internal/embed"
	"github.com/queryloom/queryloom/internal/executor"
	"github.com/queryloom/queryloom/internal/ledger"
	"github.com/queryloom/queryloom/internal/llm"
	"github.com/queryloom/queryloom/internal/observability"
	"github.com/queryloom/queryloom/internal/pipeline"
	"github.com/queryloom/queryloom/internal/prompt"
	"github.com/queryloom/queryloom/internal/resolve"
	"github.com/queryloom/queryloom/internal/retrieval"
	"github.com/queryloom/queryloom/internal/storage"
	fsstore "github.com/queryloom/queryloom/internal/storage/fs"
	s3store "github.com/queryloom/queryloom/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("queryloom-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx := context.Background()

	objectStore, err := openObjectStore(cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	referenceCatalog, err := catalog.Load(ctx, objectStore, catalog.Keys{
		Tables:     cfg.Reference.TablesKey,
		Columns:    cfg.Reference.ColumnsKey,
		JoinMatrix: cfg.Reference.JoinMatrixKey,
	})
	if err != nil {
		logger.Error("failed to load reference catalog", slog.Any("error", err))
		os.Exit(1)
	}

	corpus, err := retrieval.LoadCorpus(ctx, objectStore, cfg.Retrieval.CorpusKey)
	if err != nil {
		logger.Error("failed to load example corpus", slog.Any("error", err))
		os.Exit(1)
	}

	embedder, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize embedding client", slog.Any("error", err))
		os.Exit(1)
	}

	index, err := retrieval.NewIndex(corpus, embedder, retrieval.Options{
		DenseWeight:         cfg.Retrieval.DenseWeight,
		LexicalWeight:       cfg.Retrieval.LexicalWeight,
		SimilarityThreshold: cfg.Retrieval.SimilarityThreshold,
		RetryBackoff:        cfg.Retrieval.EmbedRetryBackoff,
	}, logger)
	if err != nil {
		logger.Error("failed to build retrieval index", slog.Any("error", err))
		os.Exit(1)
	}
	if err := index.BuildDenseIndex(ctx); err != nil {
		logger.Warn("dense index unavailable, retrieval will run lexical-only", slog.Any("error", err))
	}

	model, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize language model client", slog.Any("error", err))
		os.Exit(1)
	}

	warehouse, err := executor.Open(ctx, executor.Config{
		DSN:             cfg.Warehouse.DSN,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		RowLimit:        cfg.Warehouse.RowLimit,
	})
	if err != nil {
		logger.Error("failed to open warehouse connection", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = warehouse.Close() }()

	auditLedger, err := ledger.Open(ctx, cfg.Ledger.Path)
	if err != nil {
		logger.Error("failed to open audit ledger", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = auditLedger.Close() }()

	prompts, err := prompt.Load()
	if err != nil {
		logger.Error("failed to load prompt templates", slog.Any("error", err))
		os.Exit(1)
	}

	orchestrator, err := pipeline.New(pipeline.Options{
		Catalog:  referenceCatalog,
		Index:    index,
		LLM:      model,
		Executor: warehouse,
		Ledger:   auditLedger,
		Prompts:  prompts,
		Logger:   logger,
		TopK:     cfg.Retrieval.DefaultTopK,
	})
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:   logger,
		Pipeline: orchestrator,
		Catalog:  referenceCatalog,
		Joins:    resolve.NewJoinResolver(referenceCatalog),
		Examples: index,
		Readiness: api.CombineReadinessChecks(
			warehouse.HealthCheck,
			auditLedger.HealthCheck,
			api.CheckObjectStoreConfig(cfg),
		),
		DefaultTopK:       cfg.Retrieval.DefaultTopK,
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-runCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openObjectStore(cfg config.Config) (storage.ObjectStore, error) {
	if cfg.ObjectStore.LocalDir != "" {
		return fsstore.New(cfg.ObjectStore.LocalDir)
	}
	return s3store.New(s3store.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Prefix:          cfg.ObjectStore.Prefix,
	})
}
