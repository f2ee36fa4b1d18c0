package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/volley/internal/model"
)

// A job gets at most one token for its whole lifetime.
const createTokensTable = `
CREATE TABLE IF NOT EXISTS tokens (
    value       TEXT PRIMARY KEY,
    job_id      TEXT NOT NULL UNIQUE,
    state       TEXT NOT NULL,
    outcome     TEXT,
    issued_at   DATETIME NOT NULL,
    deadline    DATETIME,
    resolved_at DATETIME
)`

const tokenColumns = `value, job_id, state, outcome, issued_at, deadline, resolved_at`

// CreateToken persists a freshly issued token. It returns ErrTokenExists when
// the value or the job already has a token.
func (s *SQLiteStore) CreateToken(ctx context.Context, t *model.Token) error {
	outcome, err := encodeOutcome(t.Outcome)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		t.Value, t.JobID, t.State, outcome, t.IssuedAt, t.Deadline, t.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTokenExists
	}
	return nil
}

// GetToken retrieves a token by value.
func (s *SQLiteStore) GetToken(ctx context.Context, value string) (*model.Token, error) {
	return s.getToken(ctx, "value", value)
}

// GetTokenByJob retrieves the token issued for a job.
func (s *SQLiteStore) GetTokenByJob(ctx context.Context, jobID string) (*model.Token, error) {
	return s.getToken(ctx, "job_id", jobID)
}

func (s *SQLiteStore) getToken(ctx context.Context, column, key string) (*model.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE `+column+` = ?`, key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// ResolveToken moves an outstanding token to state. The update only matches
// outstanding rows, so of several concurrent resolutions exactly one reports true.
func (s *SQLiteStore) ResolveToken(ctx context.Context, value, state string, outcome *model.Outcome) (bool, error) {
	encoded, err := encodeOutcome(outcome)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET state = ?, outcome = ?, resolved_at = ?
		WHERE value = ? AND state = ?`,
		state, encoded, time.Now().UTC(), value, model.TokenOutstanding,
	)
	if err != nil {
		return false, fmt.Errorf("resolve token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// SetTokenDeadline records when the watchdog will expire the token.
func (s *SQLiteStore) SetTokenDeadline(ctx context.Context, value string, deadline time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET deadline = ? WHERE value = ?", deadline.UTC(), value,
	)
	if err != nil {
		return fmt.Errorf("set token deadline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListTokensByState returns all tokens in state, oldest first.
func (s *SQLiteStore) ListTokensByState(ctx context.Context, state string) ([]*model.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE state = ? ORDER BY issued_at ASC`, state,
	)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

func scanToken(r rowScanner) (*model.Token, error) {
	t := &model.Token{}
	var outcome sql.NullString
	if err := r.Scan(
		&t.Value, &t.JobID, &t.State, &outcome, &t.IssuedAt, &t.Deadline, &t.ResolvedAt,
	); err != nil {
		return nil, err
	}
	if outcome.Valid {
		var o model.Outcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return nil, fmt.Errorf("decode outcome for job %s: %w", t.JobID, err)
		}
		t.Outcome = &o
	}
	return t, nil
}

func encodeOutcome(o *model.Outcome) (any, error) {
	if o == nil {
		return nil, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	return string(data), nil
}
