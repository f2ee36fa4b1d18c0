package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/seantiz/volley/internal/model"
)

// LoadTester runs one load test and summarizes it.
type LoadTester interface {
	Run(ctx context.Context, def model.JobDefinition) (*Summary, error)
}

// Reporter redeems the worker's token.
type Reporter interface {
	Success(ctx context.Context, token string, output json.RawMessage) (string, error)
	Failure(ctx context.Context, token, cause string) (string, error)
}

// Execute runs the load test for env and reports its outcome exactly once.
// A failed load test is reported as a failure and is not an error; the
// returned error means the outcome could not be reported.
func Execute(ctx context.Context, env Env, lt LoadTester, rep Reporter, logger *slog.Logger) error {
	logger = logger.With("job_id", env.ExecutionID)
	logger.Info("load test starting",
		"url", env.Definition.URL,
		"concurrency", env.Definition.Concurrency,
		"hold_for", env.Definition.HoldFor,
		"ramp_up", env.Definition.RampUp,
	)

	cause := ""
	var output json.RawMessage

	if err := env.Definition.Validate(); err != nil {
		cause = err.Error()
	} else if summary, err := lt.Run(ctx, env.Definition); err != nil {
		cause = err.Error()
	} else if output, err = json.Marshal(summary); err != nil {
		cause = fmt.Sprintf("encode summary: %v", err)
	}

	if cause != "" {
		logger.Warn("load test failed", "cause", cause)
		result, err := rep.Failure(ctx, env.Token, cause)
		if err != nil {
			return fmt.Errorf("report failure: %w", err)
		}
		logger.Info("failure reported", "result", result)
		return nil
	}

	result, err := rep.Success(ctx, env.Token, output)
	if err != nil {
		return fmt.Errorf("report success: %w", err)
	}
	logger.Info("success reported", "result", result)
	return nil
}
