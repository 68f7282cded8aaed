package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/ticketdesk/internal/config"
	"github.com/user/ticketdesk/internal/state"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "ticketdesk",
	Short:         "Ticket backend with streamed AI replies",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".ticketdesk", "config.json"), "config file path")
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openStore opens the ticket database selected by db.driver.
func openStore(cfg *config.Config) (*state.TicketStore, error) {
	switch cfg.DB.Driver {
	case "mysql":
		return state.OpenMySQL(state.MySQLDSN(cfg.DB.Host, cfg.DB.User, cfg.DB.Password, cfg.DB.Name))
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return state.OpenSQLite(cfg.DBPath())
	}
}
