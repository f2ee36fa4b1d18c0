package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/volley/internal/model"
)

var (
	// ErrNotFound is returned when a job is not found.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned when creating a job whose id is taken.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrInvalidTransition is returned when a job status transition is not allowed,
	// including when a concurrent update to the same job won the race.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTokenNotFound is returned when a continuation token does not exist.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExists is returned when a token value or a token for the same job
	// already exists.
	ErrTokenExists = errors.New("token already exists")
)

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"countByStatus"`
	CountByReason map[string]int `json:"countByReason"`
}

// JobStore defines the persistence operations for job records.
type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]*model.Job, int, error)
	ListJobsByStatus(ctx context.Context, status string) ([]*model.Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, upd model.StatusUpdate) error
	GetTransitions(ctx context.Context, id string) ([]model.Transition, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertLogLine(ctx context.Context, jobID string, seq int, line string) error
	GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error)
}

// TokenStore persists continuation tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *model.Token) error
	GetToken(ctx context.Context, value string) (*model.Token, error)
	GetTokenByJob(ctx context.Context, jobID string) (*model.Token, error)
	// ResolveToken moves an outstanding token to state, recording outcome.
	// It reports false when the token was no longer outstanding.
	ResolveToken(ctx context.Context, value, state string, outcome *model.Outcome) (bool, error)
	SetTokenDeadline(ctx context.Context, value string, deadline time.Time) error
	ListTokensByState(ctx context.Context, state string) ([]*model.Token, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	JobStore
	TokenStore
	Close() error
}
