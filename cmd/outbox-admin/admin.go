package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/ordergrid/eventing/pkg/db/models"
)

type outboxStore interface {
	ListFailed(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	RequeueFailed(ctx context.Context, maxAttempts, limit int) (int64, error)
}

type deadLetterStore interface {
	List(ctx context.Context, consumer string, limit int) ([]models.DeadLetter, error)
}

type options struct {
	Command     string
	ID          string
	Limit       int
	MaxAttempts int
	Consumer    string
	JSON        bool
}

type admin struct {
	outbox      outboxStore
	deadLetters deadLetterStore
	out         io.Writer
}

func (a *admin) run(ctx context.Context, opts options) error {
	switch opts.Command {
	case "list-failed":
		rows, err := a.outbox.ListFailed(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if opts.JSON {
			return a.writeJSON(rows)
		}
		return a.printFailed(rows)

	case "requeue":
		id, err := uuid.Parse(opts.ID)
		if err != nil {
			return fmt.Errorf("-id must be a uuid: %w", err)
		}
		if err := a.outbox.Requeue(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "requeued %s\n", id)
		return nil

	case "requeue-failed":
		if opts.MaxAttempts <= 0 {
			return errors.New("-max-attempts must be positive")
		}
		n, err := a.outbox.RequeueFailed(ctx, opts.MaxAttempts, opts.Limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "requeued %d failed entries\n", n)
		return nil

	case "dead-letters":
		rows, err := a.deadLetters.List(ctx, opts.Consumer, opts.Limit)
		if err != nil {
			return err
		}
		if opts.JSON {
			return a.writeJSON(rows)
		}
		return a.printDeadLetters(rows)
	}
	return fmt.Errorf("unknown -cmd value: %s", opts.Command)
}

func (a *admin) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *admin) printFailed(rows []models.OutboxEntry) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT TYPE\tAGGREGATE\tATTEMPTS\tFAILED AT\tLAST ERROR")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
			row.ID, row.EventType, row.AggregateType, row.AggregateID,
			row.AttemptCount, formatTime(row.FailedAt), deref(row.LastError))
	}
	return tw.Flush()
}

func (a *admin) printDeadLetters(rows []models.DeadLetter) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONSUMER\tTOPIC\tOFFSET\tEVENT\tREASON\tATTEMPTS\tFAILED AT")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s %s\t%s\t%d\t%s\n",
			row.ID, row.Consumer, row.Topic, row.Partition, row.Offset,
			row.EventType, row.EventKey, row.Reason, row.Attempts, formatTime(&row.FailedAt))
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
