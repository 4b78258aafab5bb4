package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/openneutron/aonp/internal/config"
	"github.com/openneutron/aonp/internal/core"
)

// cmdWorker claims queued runs from MongoDB and executes them until
// interrupted. In-flight runs are left leased for the reaper to requeue.
func cmdWorker(args []string) int {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[0])
		return 1
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	st, err := openMongoStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close(context.Background())

	c := core.New(cfg, st, log)
	if err := c.RunWorker(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
