// Command volley-worker runs one load test with bzt and reports the result
// back to the orchestrator through its task token.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/volley/internal/config"
	"github.com/seantiz/volley/internal/worker"
)

func main() {
	logger := config.NewLogger(os.Stderr, slog.LevelInfo)

	env, err := worker.LoadEnv()
	if err != nil {
		logger.Error("worker environment", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, err := os.MkdirTemp("", "volley-"+env.ExecutionID+"-")
	if err != nil {
		logger.Error("create work dir", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	bin := "bzt"
	if v := os.Getenv("VOLLEY_BZT_BIN"); v != "" {
		bin = v
	}
	runner := &worker.Runner{Bin: bin, Dir: dir, Output: os.Stdout}

	if err := worker.Execute(ctx, env, runner, worker.NewClient(env.CallbackURL), logger); err != nil {
		logger.Error("report result", "error", err)
		os.Exit(1)
	}
}
