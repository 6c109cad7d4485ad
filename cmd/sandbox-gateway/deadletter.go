package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-sandbox-gateway/internal/config"
	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/queue"
	"github.com/shineum/smtp-sandbox-gateway/internal/store"
)

func newDeadLetterCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and requeue jobs that exhausted their retries",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs and whether their message is still held",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeadLetters(cmd.Context(), flags, func(ctx context.Context, dlq queue.DeadLetterQueue, s store.Store) error {
				return listDeadLetters(ctx, cmd.OutOrStdout(), dlq, s)
			})
		},
	}

	var all bool
	requeue := &cobra.Command{
		Use:   "requeue [correlation-id...]",
		Short: "Move dead-lettered jobs back to the pending queue",
		Long: "Move dead-lettered jobs back to the pending queue. Jobs whose message " +
			"has expired, or was resubmitted since, are removed from the dead-letter list instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("give at least one correlation id or --all")
			}
			return withDeadLetters(cmd.Context(), flags, func(ctx context.Context, dlq queue.DeadLetterQueue, s store.Store) error {
				return requeueDeadLetters(ctx, cmd.OutOrStdout(), dlq, s, args, all)
			})
		},
	}
	requeue.Flags().BoolVar(&all, "all", false, "requeue every dead-lettered job")

	cmd.AddCommand(list, requeue)
	return cmd
}

// withDeadLetters opens the shared Redis queue and store for an operator
// command. The in-memory queue lives inside the serving process, so it
// cannot be inspected from here.
func withDeadLetters(ctx context.Context, flags *globalFlags, fn func(context.Context, queue.DeadLetterQueue, store.Store) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if cfg.Queue.Backend != config.BackendRedis {
		return fmt.Errorf("dead letters can only be inspected with QUEUE_BACKEND=redis")
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	dlq, err := b.deadLetters()
	if err != nil {
		return err
	}
	return fn(ctx, dlq, b.store)
}

// parkedState reports whether the message of a dead-lettered job can still
// be analysed.
func parkedState(ctx context.Context, s store.Store, id email.CorrelationID) (string, error) {
	parked, err := s.Parked(ctx, id)
	if err != nil {
		return "", err
	}
	if parked {
		return "parked", nil
	}
	return "expired", nil
}

func listDeadLetters(ctx context.Context, out io.Writer, dlq queue.DeadLetterQueue, s store.Store) error {
	jobs, err := dlq.DeadLetters(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "no dead-lettered jobs")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CORRELATION ID\tMESSAGE")
	for _, job := range jobs {
		state, err := parkedState(ctx, s, job.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\n", job.ID, state)
	}
	return tw.Flush()
}

func requeueDeadLetters(ctx context.Context, out io.Writer, dlq queue.DeadLetterQueue, s store.Store, ids []string, all bool) error {
	jobs, err := dlq.DeadLetters(ctx)
	if err != nil {
		return err
	}
	dead := make(map[email.CorrelationID]bool, len(jobs))
	for _, job := range jobs {
		dead[job.ID] = true
	}

	var targets []email.CorrelationID
	if all {
		for _, job := range jobs {
			targets = append(targets, job.ID)
		}
	} else {
		for _, id := range ids {
			targets = append(targets, email.CorrelationID(id))
		}
	}

	var errs []error
	requeued := 0
	for _, id := range targets {
		if !dead[id] {
			errs = append(errs, fmt.Errorf("%s: %w", id, queue.ErrNotDeadLettered))
			continue
		}

		err := s.Unpark(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Fprintf(out, "removed %s: held message expired\n", id)
			errs = append(errs, discard(ctx, dlq, id))
			continue
		case errors.Is(err, store.ErrHeld):
			fmt.Fprintf(out, "removed %s: message was resubmitted and is queued again\n", id)
			errs = append(errs, discard(ctx, dlq, id))
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}

		if err := dlq.Requeue(ctx, id); err != nil {
			// Keep the entry out of the live set while it has no job.
			if perr := s.Park(ctx, id); perr != nil {
				err = errors.Join(err, perr)
			}
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		requeued++
		fmt.Fprintf(out, "requeued %s\n", id)
	}

	fmt.Fprintf(out, "%d job(s) requeued\n", requeued)
	return errors.Join(errs...)
}

func discard(ctx context.Context, dlq queue.DeadLetterQueue, id email.CorrelationID) error {
	if err := dlq.Discard(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}
