package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "outbox-admin"})

	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.Command, "cmd", "list-failed", "command: list-failed|requeue|requeue-failed|dead-letters")
	flag.StringVar(&opts.ID, "id", "", "outbox entry id (for requeue)")
	flag.IntVar(&opts.Limit, "limit", 50, "maximum rows to list or requeue")
	flag.IntVar(&opts.MaxAttempts, "max-attempts", 0, "attempt budget for requeue-failed (default: ORDERGRID_OUTBOX_MAX_ATTEMPTS)")
	flag.StringVar(&opts.Consumer, "consumer", "", "filter dead letters by consumer")
	flag.BoolVar(&opts.JSON, "json", false, "print rows as JSON")
	flag.Parse()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "outbox-admin",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": opts.Command})

	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = cfg.Outbox.MaxAttempts
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	a := &admin{
		outbox:      outbox.NewRepository(dbClient.DB()),
		deadLetters: outbox.NewDeadLetterRepository(dbClient.DB()),
		out:         os.Stdout,
	}
	if err := a.run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", opts.Command, err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
