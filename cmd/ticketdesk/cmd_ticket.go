package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/ticketdesk/internal/scheduler"
	"github.com/user/ticketdesk/internal/state"
	"github.com/user/ticketdesk/internal/types"
)

func init() {
	rootCmd.AddCommand(ticketCmd)
	ticketCmd.AddCommand(ticketCreateCmd, ticketListCmd, ticketShowCmd, ticketReplyCmd,
		ticketStatusCmd, ticketEventsCmd, ticketCloseStaleCmd)

	ticketCreateCmd.Flags().String("user", "", "owner user id (required)")
	ticketCreateCmd.Flags().String("subject", "", "ticket subject (required)")
	ticketCreateCmd.Flags().String("description", "", "ticket description")
	_ = ticketCreateCmd.MarkFlagRequired("user")
	_ = ticketCreateCmd.MarkFlagRequired("subject")

	ticketListCmd.Flags().String("user", "", "owner user id (required)")
	_ = ticketListCmd.MarkFlagRequired("user")

	ticketReplyCmd.Flags().String("user", "", "author user id, must own the ticket (required)")
	_ = ticketReplyCmd.MarkFlagRequired("user")

	ticketEventsCmd.Flags().Int("limit", 50, "number of most recent events to show (0 for all)")

	ticketCloseStaleCmd.Flags().Duration("stale-after", 0, "idle time before a ticket is closed (default maintenance.stale_after)")
}

// withStore opens the configured ticket store for the duration of fn.
func withStore(fn func(ctx context.Context, store *state.TicketStore) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Manage tickets",
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a ticket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		subject, _ := cmd.Flags().GetString("subject")
		description, _ := cmd.Flags().GetString("description")
		if strings.TrimSpace(subject) == "" {
			return fmt.Errorf("subject is required")
		}

		return withStore(func(ctx context.Context, store *state.TicketStore) error {
			t, err := store.CreateTicket(ctx, types.UserID(user), subject, description)
			if err != nil {
				return fmt.Errorf("create ticket: %w", err)
			}
			fmt.Fprintln(os.Stdout, t.ID)
			return nil
		})
	},
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's tickets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		return withStore(func(ctx context.Context, store *state.TicketStore) error {
			tickets, err := store.ListTickets(ctx, types.UserID(user))
			if err != nil {
				return fmt.Errorf("list tickets: %w", err)
			}
			if len(tickets) == 0 {
				fmt.Println("No tickets found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tSUBJECT")
			for _, t := range tickets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					t.ID,
					t.Status,
					t.UpdatedAt.Format("2006-01-02 15:04:05"),
					t.Subject,
				)
			}
			return w.Flush()
		})
	},
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <ticket-id>",
	Short: "Show a ticket and its conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.TicketStore) error {
			t, err := store.GetTicket(ctx, types.TicketID(args[0]))
			if err != nil {
				return err
			}
			msgs, err := store.ListMessages(ctx, t.ID)
			if err != nil {
				return fmt.Errorf("list messages: %w", err)
			}

			fmt.Printf("Ticket:  %s\n", t.ID)
			fmt.Printf("Owner:   %s\n", t.OwnerID)
			fmt.Printf("Status:  %s\n", t.Status)
			fmt.Printf("Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Subject: %s\n", t.Subject)
			if t.Description != "" {
				fmt.Printf("\n%s\n", t.Description)
			}
			for _, m := range msgs {
				fmt.Printf("\n[%s] %s:\n%s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Author, m.Content)
			}
			return nil
		})
	},
}

var ticketReplyCmd = &cobra.Command{
	Use:   "reply <ticket-id> <content>",
	Short: "Add a user message to a ticket",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if strings.TrimSpace(args[1]) == "" {
			return fmt.Errorf("content is required")
		}

		return withStore(func(ctx context.Context, store *state.TicketStore) error {
			t, err := store.GetTicket(ctx, types.TicketID(args[0]))
			if err != nil {
				return &exitError{code: exitDenied, err: err}
			}
			if t.OwnerID != types.UserID(user) {
				return &exitError{code: exitDenied, err: fmt.Errorf("ticket %s: %w", t.ID, types.ErrForbidden)}
			}
			m, err := store.AppendMessage(ctx, t.ID, types.AuthorUser, args[1])
			if err != nil {
				return fmt.Errorf("append message: %w", err)
			}
			fmt.Fprintln(os.Stdout, m.ID)
			return nil
		})
	},
}

var ticketStatusCmd = &cobra.Command{
	Use:   "status <ticket-id> <open|answered|closed>",
	Short: "Change a ticket's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := types.TicketStatus(args[1])
		if !status.Valid() {
			return fmt.Errorf("unknown status %q (want open, answered or closed)", args[1])
		}

		return withStore(func(ctx context.Context, store *state.TicketStore) error {
			if err := store.UpdateStatus(ctx, types.TicketID(args[0]), status); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Ticket %s is now %s.\n", args[0], status)
			return nil
		})
	},
}

var ticketEventsCmd = &cobra.Command{
	Use:   "events <ticket-id>",
	Short: "Show the AI stream audit log of a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg := loadConfig()
		audit := state.NewAuditLog(cfg.DataDir)

		events, err := audit.Tail(context.Background(), types.TicketID(args[0]), limit)
		if err != nil {
			return fmt.Errorf("read audit log: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No stream events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tSTREAM\tTYPE\tPAYLOAD")
		for _, e := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.Seq,
				e.At.Format("2006-01-02 15:04:05"),
				e.StreamID,
				e.Type,
				string(e.Payload),
			)
		}
		return w.Flush()
	},
}

var ticketCloseStaleCmd = &cobra.Command{
	Use:   "close-stale",
	Short: "Close tickets that have been idle too long",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		staleAfter, _ := cmd.Flags().GetDuration("stale-after")
		cfg := loadConfig()
		if staleAfter <= 0 {
			d, err := cfg.StaleAfter()
			if err != nil {
				return err
			}
			staleAfter = d
		}

		return withStore(func(ctx context.Context, store *state.TicketStore) error {
			n, err := scheduler.CloseStaleTickets(ctx, store, staleAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Closed %d stale ticket(s).\n", n)
			return nil
		})
	},
}
