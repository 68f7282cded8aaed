package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StaleCloser closes tickets that have been idle since before a cutoff.
type StaleCloser interface {
	CloseStale(ctx context.Context, before time.Time) (int64, error)
}

// CloseStaleTickets closes every non-closed ticket not updated within staleAfter.
func CloseStaleTickets(ctx context.Context, store StaleCloser, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	n, err := store.CloseStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("close stale tickets: %w", err)
	}
	if n > 0 {
		slog.Info("closed stale tickets", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// StaleTicketJob returns the maintenance job that runs CloseStaleTickets.
func StaleTicketJob(store StaleCloser, schedule string, staleAfter time.Duration) Job {
	return Job{
		Name:     "close-stale-tickets",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := CloseStaleTickets(ctx, store, staleAfter)
			return err
		},
	}
}
