package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/volley/internal/api"
	"github.com/seantiz/volley/internal/config"
	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/dispatch/firecracker"
	"github.com/seantiz/volley/internal/dispatch/process"
	"github.com/seantiz/volley/internal/orchestrator"
	"github.com/seantiz/volley/internal/store"
	"github.com/seantiz/volley/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("volley: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"dispatcher", cfg.Dispatcher,
		"callback_timeout", cfg.CallbackTimeout,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := dispatch.NewRegistry()

	procs := process.New(process.Config{WorkerBin: cfg.WorkerBin, MaxConcurrency: 64}, logger)
	defer procs.Close()
	reg.Register(process.Name, procs)

	if cfg.Dispatcher == firecracker.Name {
		vms, err := firecracker.New(firecracker.LoadConfig(), logger)
		if err != nil {
			log.Fatalf("create firecracker dispatcher: %v", err)
		}
		if err := vms.Verify(); err != nil {
			log.Fatalf("firecracker prerequisites: %v", err)
		}
		defer vms.Shutdown(context.Background())
		reg.Register(firecracker.Name, vms)
	}

	d, err := reg.Resolve(cfg.Dispatcher)
	if err != nil {
		log.Fatalf("select dispatcher: %v", err)
	}

	orch := orchestrator.New(db, token.NewRegistry(db), d, orchestrator.Config{
		CallbackTimeout:    cfg.CallbackTimeout,
		ExtendTimeoutByJob: cfg.ExtendTimeoutByJob,
		CallbackURL:        cfg.CallbackURL,
	}, logger)
	defer orch.Close()

	if err := orch.Recover(ctx); err != nil {
		log.Fatalf("recover jobs: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, db, orch, reg, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
