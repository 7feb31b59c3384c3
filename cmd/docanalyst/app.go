package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgallion1/docanalyst/internal/config"
	"github.com/dgallion1/docanalyst/internal/embedding"
	"github.com/dgallion1/docanalyst/internal/generation"
	"github.com/dgallion1/docanalyst/internal/pathstore"
	"github.com/dgallion1/docanalyst/internal/pipeline"
	"github.com/dgallion1/docanalyst/internal/session"
)

// app holds the wired service components shared by serve and analyze.
type app struct {
	reg       *session.Registry
	ollama    *embedding.Ollama
	claude    *generation.Claude
	ps        *pathstore.Client
	publisher *pathstore.Publisher
	orch      *pipeline.Orchestrator
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	reg, err := session.OpenRegistry(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{reg: reg}

	// Initialize clients.
	a.ollama = embedding.NewOllama(embedding.OllamaConfig{
		Host:              cfg.OllamaHost,
		Model:             cfg.EmbedModel,
		RequestsPerSecond: cfg.EmbedRequestsPerSecond,
		Burst:             cfg.EmbedBurst,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.ollama.Ping(pingCtx); err != nil {
		log.Warn("embedding provider not reachable", "host", cfg.OllamaHost, "error", err)
	}
	cancel()

	a.claude = generation.NewClaude(generation.ClaudeConfig{
		APIKey:  cfg.AnthropicAPIKey,
		Model:   cfg.AnthropicModel,
		BaseURL: cfg.AnthropicBaseURL,
	})
	a.publisher = a.newPublisher(cfg)

	a.orch, err = pipeline.NewOrchestrator(cfg, pipeline.Deps{
		Registry:  reg,
		Embedder:  a.ollama,
		Generator: a.claude,
		Publisher: a.publisher,
		Logger:    log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newPublisher returns nil when no pathstore URL is configured.
func (a *app) newPublisher(cfg config.Config) *pathstore.Publisher {
	if cfg.PathstoreURL == "" {
		return nil
	}
	a.ps = pathstore.NewClient(cfg.PathstoreURL, cfg.PathstoreAPIKey, cfg.PathstorePrefix)
	return pathstore.NewPublisher(a.ps, cfg.PathstoreTTL)
}

func (a *app) Close() {
	if a.claude != nil {
		a.claude.Close()
	}
	if a.ollama != nil {
		a.ollama.Close()
	}
	if a.ps != nil {
		a.ps.Close()
	}
	a.reg.Close()
}
