package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/ticketdesk/internal/api"
	"github.com/user/ticketdesk/internal/auth"
	"github.com/user/ticketdesk/internal/config"
	ctxengine "github.com/user/ticketdesk/internal/context"
	"github.com/user/ticketdesk/internal/delivery"
	"github.com/user/ticketdesk/internal/scheduler"
	"github.com/user/ticketdesk/internal/state"
	"github.com/user/ticketdesk/internal/streamer"
	"github.com/user/ticketdesk/internal/telegram"
	"github.com/user/ticketdesk/pkg/llm"
	"github.com/user/ticketdesk/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ticketdesk API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := pidFilePath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// newStreamer wires the completion provider and prompt engine into a Streamer.
func newStreamer(cfg *config.Config, store *state.TicketStore, audit *state.AuditLog) (*streamer.Streamer, error) {
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, cfg.LLM.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	return streamer.New(store, provider, engine, audit, streamer.Config{
		MaxConcurrent: int64(cfg.MaxConcurrent),
		RecordPartial: cfg.Stream.RecordPartial,
	}), nil
}

func newAuthenticator(cfg *config.Config) (*auth.Authenticator, error) {
	ttl, err := cfg.TokenTTL()
	if err != nil {
		return nil, err
	}
	return auth.New(cfg.Auth.Secret, ttl)
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

	// Stores
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	audit := state.NewAuditLog(cfg.DataDir)

	responder, err := newStreamer(cfg, store, audit)
	if err != nil {
		return err
	}
	defer responder.Wait()

	authn, err := newAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delivery registry
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("log:", delivery.LogHandler)
	targets := []string{"log:commits"}

	if cfg.Telegram.Token != "" {
		notifier, err := telegram.New(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		deliveryReg.Register(telegram.TargetPrefix, notifier.Deliver)
		go notifier.Listen(ctx)
		if cfg.Telegram.ChatID != 0 {
			targets = append(targets, telegram.Target(cfg.Telegram.ChatID))
			slog.Info("telegram notifications enabled", "chat_id", cfg.Telegram.ChatID)
		} else {
			slog.Warn("telegram chat_id not set, send /chatid to the bot to find it")
		}
	} else {
		slog.Warn("telegram notifier disabled (no token)")
	}
	responder.OnCommit = delivery.CommitNotifier(deliveryReg, targets...)

	// Scheduler
	staleAfter, err := cfg.StaleAfter()
	if err != nil {
		return err
	}
	sched := scheduler.New()
	if err := sched.Add(scheduler.StaleTicketJob(store, cfg.Maintenance.Schedule, staleAfter)); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := api.NewServer(store, responder, authn, audit, api.Config{
		Listen:      cfg.HTTP.Listen,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start(ctx)
	}()

	slog.Info("ticketdesk started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"db_driver", store.Driver(),
		"listen", cfg.HTTP.Listen,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-srvErr:
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					continue
				}
			}
			slog.Info("shutting down", "signal", sig)
			cancel()
			if err := <-srvErr; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}
