package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/vizchat/internal/aichat"
	"github.com/user/vizchat/internal/api"
	"github.com/user/vizchat/internal/config"
	"github.com/user/vizchat/internal/document"
	"github.com/user/vizchat/internal/gateway"
	"github.com/user/vizchat/internal/generation"
	"github.com/user/vizchat/internal/preview"
	"github.com/user/vizchat/internal/prompt"
	"github.com/user/vizchat/internal/scheduler"
	"github.com/user/vizchat/internal/state"
	"github.com/user/vizchat/internal/stream"
	"github.com/user/vizchat/pkg/llm"
	"github.com/user/vizchat/pkg/llm/openai"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vizchat daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vizchat.pid")
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := pidFilePath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	events := state.NewEventStore(cfg.DataDir)
	diffs := state.NewDiffStore(cfg.DataDir)
	snapshots := state.NewDocumentStore(cfg.DataDir)

	storeOpts := []document.Option{document.WithPersister(snapshots)}
	if cfg.Redis.Addr != "" {
		broadcaster, err := document.NewRedisBroadcaster(ctx, document.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer broadcaster.Close()
		storeOpts = append(storeOpts, document.WithBroadcaster(broadcaster))
		slog.Info("redis broadcaster enabled", "addr", cfg.Redis.Addr)
	}
	docs := document.NewStore(storeOpts...)
	defer func() {
		if err := docs.Flush(context.Background()); err != nil {
			slog.Error("final document flush failed", "error", err)
		}
	}()

	// LLM provider
	provider := llm.NewBreaker(openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLMTimeout(),
	}), llm.BreakerConfig{Name: cfg.LLM.Provider})

	prompts, err := prompt.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create prompt engine: %w", err)
	}

	previews := preview.NewRegistry()
	if cfg.Preview.WebhookURL != "" {
		previews.Register("webhook", preview.NewWebhook(cfg.Preview.WebhookURL).Hook())
	}
	defer previews.Wait()

	// Gateway
	gw := gateway.New(int64(cfg.MaxConcurrent))
	gw.Start(ctx)
	defer gw.Stop()

	registry := generation.NewRegistry()
	orch := aichat.New(aichat.Deps{
		Docs:        docs,
		Registry:    registry,
		Gateway:     gw,
		Streamer:    stream.NewAdapter(provider, cfg.LLM.Stream),
		Prompts:     prompts,
		Events:      events,
		Diffs:       diffs,
		Preview:     previews,
		BaseContext: ctx,
	})

	// Scheduler
	sched := scheduler.New(scheduler.Janitor(registry, docs, janitorConfig(cfg))...)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := api.NewServer(docs, orch, events, diffs, api.RateLimit{
		Limit: cfg.HTTP.RateLimitRPS,
		Burst: cfg.HTTP.RateLimitBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("vizchat started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"listen", cfg.HTTP.Listen,
		"pid_file", pidPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		defer cancel()
		return waitForSignal(gctx, cfg.DataDir, pidPath)
	})

	return g.Wait()
}

func janitorConfig(cfg *config.Config) scheduler.JanitorConfig {
	return scheduler.JanitorConfig{
		SweepSchedule:    cfg.Generation.SweepSchedule,
		MaxGeneration:    cfg.GenerationTimeout(),
		FlushSchedule:    cfg.Documents.FlushSchedule,
		EvictSchedule:    cfg.Documents.EvictSchedule,
		DocumentIdleTime: cfg.DocumentIdleTime(),
	}
}

// waitForSignal returns on SIGINT or SIGTERM, or when ctx ends. SIGHUP
// re-executes the binary in place.
func waitForSignal(ctx context.Context, dataDir, pidPath string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		var sig os.Signal
		select {
		case <-ctx.Done():
			return nil
		case sig = <-sigChan:
		}

		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(dataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
