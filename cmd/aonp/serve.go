package main

import (
	"context"
	"fmt"
	"os"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/openneutron/aonp/internal/config"
	"github.com/openneutron/aonp/internal/core"
	"github.com/openneutron/aonp/internal/server"
	"github.com/openneutron/aonp/internal/store"
	"github.com/openneutron/aonp/internal/store/memory"
	aonpmongo "github.com/openneutron/aonp/internal/store/mongo"
)

// cmdServe runs the HTTP API, the lease reaper, and optionally an in-process
// worker. With --memory the run queue lives in process memory, which is
// useful for local single-node work without a MongoDB deployment.
func cmdServe(args []string) int {
	var addr string
	var withWorker bool
	var useMemory bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				return 1
			}
			addr = args[i]
		case "--with-worker":
			withWorker = true
		case "--memory":
			useMemory = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if useMemory {
		st = memory.New()
	} else {
		st, err = openMongoStore(ctx, cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	defer st.Close(context.Background())

	c := core.New(cfg, st, log)
	c.StartReaper(ctx)
	if withWorker {
		go func() {
			if err := c.RunWorker(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker stopped", zap.Error(err))
			}
		}()
	}

	srv := server.New(server.Config{Addr: cfg.ListenAddr}, c, log)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cancel()
	return 0
}

func openMongoStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	st, err := aonpmongo.New(ctx, aonpmongo.Options{Client: client, Database: cfg.DBName})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return st, nil
}
