// testserver starts a Volley API server whose workers are simulated in-process,
// for exercising the API without bzt.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/volley/internal/api"
	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/orchestrator"
	"github.com/seantiz/volley/internal/store"
	"github.com/seantiz/volley/internal/token"
	"github.com/seantiz/volley/internal/worker"
)

// stubDispatcher pretends to run each load test and reports a canned summary.
// Jobs whose URL contains "fail" report a failure; "silent" never report.
type stubDispatcher struct {
	delay  time.Duration
	logger *slog.Logger
	wg     sync.WaitGroup
}

func (s *stubDispatcher) Dispatch(_ context.Context, spec dispatch.WorkerSpec) error {
	s.wg.Go(func() {
		time.Sleep(s.delay)
		spec.Emit("[stub] ramping up " + spec.Definition.RampUp)
		spec.Emit("[stub] holding for " + spec.Definition.HoldFor)

		ctx := context.Background()
		client := worker.NewClient(spec.CallbackURL)
		var err error
		switch url := spec.Definition.URL; {
		case strings.Contains(url, "silent"):
			return
		case strings.Contains(url, "fail"):
			_, err = client.Failure(ctx, spec.Token, "stub load test failed")
		default:
			out, _ := json.Marshal(worker.Summary{
				TestDuration: 2,
				Groups:       []worker.GroupSummary{{Throughput: 40, Succeeded: 40}},
			})
			_, err = client.Success(ctx, spec.Token, out)
		}
		if err != nil {
			s.logger.Error("stub callback", "job_id", spec.JobID, "error", err)
		}
	})
	return nil
}

func (s *stubDispatcher) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{Name: "stub", Isolation: "none", MaxConcurrency: 10}
}

func (s *stubDispatcher) Cleanup(context.Context, string) error { return nil }

func main() {
	addr := "127.0.0.1:8080"
	if v := os.Getenv("VOLLEY_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	disp := &stubDispatcher{delay: 500 * time.Millisecond, logger: logger}
	reg := dispatch.NewRegistry()
	reg.Register("stub", disp)

	orch := orchestrator.New(db, token.NewRegistry(db), disp, orchestrator.Config{
		CallbackTimeout: 30 * time.Second,
		CallbackURL:     "http://" + addr,
	}, logger)
	defer orch.Close()

	srv := api.NewServer(addr, db, orch, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
