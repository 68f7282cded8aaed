package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/ticketdesk/internal/state"
	"github.com/user/ticketdesk/internal/streamer"
	"github.com/user/ticketdesk/internal/types"
)

// Exit codes for ai-response.
const (
	exitProviderError = 1
	exitDenied        = 2
)

func init() {
	rootCmd.AddCommand(aiResponseCmd)
	aiResponseCmd.Flags().String("user", "", "requesting user id (required)")
	_ = aiResponseCmd.MarkFlagRequired("user")
}

var aiResponseCmd = &cobra.Command{
	Use:   "ai-response <ticket-id>",
	Short: "Stream an AI reply for a ticket to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		user, _ := cmd.Flags().GetString("user")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		s, err := newStreamer(cfg, store, state.NewAuditLog(cfg.DataDir))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		sess, err := s.Stream(ctx, types.TicketID(args[0]), types.UserID(user), streamer.SinkFunc(func(fragment string) error {
			_, err := fmt.Fprint(out, fragment)
			return err
		}))
		if err != nil {
			if sess != nil && sess.Fragments > 0 {
				fmt.Fprintln(out)
			}
			return aiResponseError(err)
		}

		fmt.Fprintln(out)
		fmt.Fprintf(os.Stderr, "Committed message %s (%d fragments).\n", sess.MessageID, sess.Fragments)
		return nil
	},
}

func aiResponseError(err error) error {
	switch {
	case errors.Is(err, types.ErrForbidden), errors.Is(err, types.ErrNotFound):
		return &exitError{code: exitDenied, err: err}
	default:
		return &exitError{code: exitProviderError, err: err}
	}
}
