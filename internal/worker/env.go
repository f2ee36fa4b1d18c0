package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/model"
)

// Env is the job contract a dispatcher hands to a worker.
type Env struct {
	Token       string
	ExecutionID string
	Definition  model.JobDefinition
	CallbackURL string
}

// LoadEnv reads the worker contract from the process environment.
func LoadEnv() (Env, error) {
	return parseEnv(os.Getenv)
}

func parseEnv(getenv func(string) string) (Env, error) {
	env := Env{
		Token:       getenv(dispatch.EnvTaskToken),
		ExecutionID: getenv(dispatch.EnvExecutionID),
		CallbackURL: getenv(dispatch.EnvCallbackURL),
	}

	var missing []error
	for name, v := range map[string]string{
		dispatch.EnvTaskToken:     env.Token,
		dispatch.EnvExecutionID:   env.ExecutionID,
		dispatch.EnvCallbackURL:   env.CallbackURL,
		dispatch.EnvJobDefinition: getenv(dispatch.EnvJobDefinition),
	} {
		if v == "" {
			missing = append(missing, fmt.Errorf("%s is not set", name))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return Env{}, err
	}

	if err := json.Unmarshal([]byte(getenv(dispatch.EnvJobDefinition)), &env.Definition); err != nil {
		return Env{}, fmt.Errorf("decode %s: %w", dispatch.EnvJobDefinition, err)
	}
	return env, nil
}
