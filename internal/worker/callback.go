package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Callback paths relative to the server's base URL.
const (
	SuccessPath = "/v1/tasks/success"
	FailurePath = "/v1/tasks/failure"
)

const (
	defaultMaxAttempts = 6
	defaultBackoff     = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// ErrUnknownToken is returned when the server has never issued the token.
var ErrUnknownToken = errors.New("server does not know the task token")

// SuccessRequest is the body of a success callback.
type SuccessRequest struct {
	TaskToken string          `json:"taskToken"`
	Output    json.RawMessage `json:"output"`
}

// FailureRequest is the body of a failure callback.
type FailureRequest struct {
	TaskToken string `json:"taskToken"`
	Cause     string `json:"cause"`
}

// CallbackResponse is the server's answer to a callback.
type CallbackResponse struct {
	Result string `json:"result"`
}

// Client redeems a continuation token against the server. Transport errors
// and 5xx responses are retried with exponential backoff; a duplicate
// redemption is answered with "already_redeemed" and is not an error.
type Client struct {
	baseURL     string
	http        *http.Client
	maxAttempts int
	backoff     time.Duration
}

// NewClient creates a callback client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// Success reports a successful run with output as the job result.
func (c *Client) Success(ctx context.Context, token string, output json.RawMessage) (string, error) {
	return c.post(ctx, SuccessPath, SuccessRequest{TaskToken: token, Output: output})
}

// Failure reports a failed run.
func (c *Client) Failure(ctx context.Context, token, cause string) (string, error) {
	return c.post(ctx, FailurePath, FailureRequest{TaskToken: token, Cause: cause})
}

// post sends body until the server gives a definitive answer and returns the
// redemption result.
func (c *Client) post(ctx context.Context, path string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode callback: %w", err)
	}

	attempts := 0
	result, err := backoff.RetryWithData(func() (string, error) {
		attempts++
		result, retry, err := c.send(ctx, path, payload)
		if err != nil && !retry {
			return "", backoff.Permanent(err)
		}
		return result, err
	}, c.retryPolicy(ctx))
	if err != nil {
		return "", fmt.Errorf("callback %s failed after %d attempts: %w", path, attempts, err)
	}
	return result, nil
}

// retryPolicy allows maxAttempts attempts in total, waiting between them
// with jittered exponential backoff capped at maxBackoff.
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.maxAttempts-1, 0))), ctx)
}

// send makes one attempt. retry reports whether a failure is worth retrying.
func (c *Client) send(ctx context.Context, path string, payload []byte) (result string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		var cr CallbackResponse
		if err := json.Unmarshal(data, &cr); err != nil {
			return "", false, fmt.Errorf("decode callback response: %w", err)
		}
		return cr.Result, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", false, ErrUnknownToken
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	default:
		return "", false, fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
}
