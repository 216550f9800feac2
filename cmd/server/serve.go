package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/crowdrank/internal/api"
	"github.com/yangwenmai/crowdrank/internal/config"
	"github.com/yangwenmai/crowdrank/internal/conversation"
	"github.com/yangwenmai/crowdrank/internal/cooldown"
	"github.com/yangwenmai/crowdrank/internal/engine"
	"github.com/yangwenmai/crowdrank/internal/worker"
)

// cooldownKeys bounds how many prompts the retry cooldown remembers.
const cooldownKeys = 10000

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs left RUNNING by a previous process never finished.
	if n, err := s.ResetStaleJobs(ctx); err != nil {
		slog.Warn("reset stale jobs", "error", err)
	} else if n > 0 {
		slog.Info("requeued stale jobs", "count", n)
	}

	client, err := newModelClient(ctx, cfg)
	if err != nil {
		return err
	}
	var extractor engine.ContentExtractor = engine.NewHTTPExtractor(cfg.HTTPTimeout)
	if cfg.LLMProvider == config.ProviderStub {
		extractor = &engine.StubExtractor{}
	}
	slog.Info("model client ready", "provider", cfg.LLMProvider, "model", client.Model())

	responder := engine.NewResponder(client, engine.NewLimiter(cfg.LLMRateLimit, cfg.LLMBurst))
	generator := engine.NewGenerator(s, responder, nil)
	fanout := engine.NewFanOut(nil)
	pipeline := engine.NewPipeline(s, generator, fanout)

	cd := cooldown.New(cooldownKeys, cfg.RetryCooldown)
	runner := worker.New(s, pipeline, cd, cfg.WorkerCount, cfg.WorkerInterval)
	summarizer := conversation.NewSummarizer(s, cd, cfg.StuckAfter)

	srv := api.New(s, runner, fanout, extractor, summarizer, api.Options{
		DefaultLanguage:    cfg.DefaultLanguage,
		ClaimTTL:           cfg.ClaimTTL,
		MaxReferenceLength: cfg.MaxReferenceLength,
		CORSOrigin:         cfg.CORSOrigin,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runnerDone := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(runnerDone)
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("crowdrank server listening", "addr", "http://localhost:"+cfg.Port)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		<-runnerDone
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	<-runnerDone
	return nil
}

// newModelClient builds the completion client for the configured provider.
func newModelClient(ctx context.Context, cfg config.Config) (engine.ModelClient, error) {
	switch cfg.LLMProvider {
	case config.ProviderTogether:
		return engine.NewTogetherClient(cfg.TogetherKey,
			engine.WithBaseURL(cfg.TogetherBaseURL),
			engine.WithModel(cfg.TogetherModel),
			engine.WithRequestTimeout(cfg.HTTPTimeout),
		), nil
	case config.ProviderOpenAI:
		return engine.NewOpenAIClient(cfg.OpenAIKey,
			engine.WithModel(cfg.OpenAIModel),
			engine.WithRequestTimeout(cfg.HTTPTimeout),
		), nil
	case config.ProviderOllama:
		return engine.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel,
			engine.WithRequestTimeout(cfg.HTTPTimeout),
		), nil
	case config.ProviderClaude:
		return engine.NewClaudeClient(cfg.AnthropicKey,
			engine.WithClaudeModel(cfg.AnthropicModel),
			engine.WithClaudeTimeout(cfg.HTTPTimeout),
		), nil
	case config.ProviderGemini:
		c, err := engine.NewGeminiClient(ctx, cfg.GeminiKey, engine.WithGeminiModel(cfg.GeminiModel))
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderStub:
		return &engine.StubModelClient{}, nil
	}
	return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
}

