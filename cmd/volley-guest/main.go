// Command volley-guest is the agent that runs as init inside worker microVMs.
// It listens on vsock for worker requests from the host, runs volley-worker
// with the job environment and streams its output back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o volley-guest ./cmd/volley-guest
package main

import (
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/volley/internal/config"
	fc "github.com/seantiz/volley/internal/dispatch/firecracker"
	"github.com/seantiz/volley/internal/guest"
)

func main() {
	logger := config.NewLogger(os.Stdout, slog.LevelInfo)
	guest.SetupInit(logger)

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("volley-guest listening", "port", port)

	agent := guest.New(l, fc.GuestWorkerPath, fc.GuestWorkDir, logger)
	if err := agent.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
