package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/seantiz/volley/internal/model"
)

const (
	configFile = "config.yml"
	resultFile = "result.xml"
)

// Runner executes a load test with bzt in Dir.
type Runner struct {
	// Bin is the bzt executable.
	Bin string

	// Dir holds the generated configuration, the result dump and bzt's artifacts.
	Dir string

	// Output receives bzt's stdout and stderr. Nil discards them.
	Output io.Writer
}

// Run writes the Taurus configuration for def, runs bzt and parses its totals.
func (r *Runner) Run(ctx context.Context, def model.JobDefinition) (*Summary, error) {
	configPath := filepath.Join(r.Dir, configFile)
	resultPath := filepath.Join(r.Dir, resultFile)

	if err := NewTaurusConfig(def, resultPath).WriteFile(configPath); err != nil {
		return nil, err
	}

	out := r.Output
	if out == nil {
		out = io.Discard
	}

	cmd := exec.CommandContext(ctx, r.Bin, configPath)
	cmd.Dir = r.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("bzt exited with status %d", exitErr.ExitCode())
		}
		return nil, fmt.Errorf("run bzt: %w", err)
	}

	return ReadResult(resultPath)
}
