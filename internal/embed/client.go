package embed

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/notewise/notewise/internal/errors"
)

// Config configures the remote embed client.
type Config struct {
	// BaseURL is the embedding service endpoint.
	BaseURL string
	// Model is the embedding model name.
	Model string
	// Timeout is the per-call deadline.
	Timeout time.Duration
	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int
	// InitialRetryDelay is the first backoff delay; it doubles each retry.
	InitialRetryDelay time.Duration
	// MaxRetryDelay caps the backoff schedule.
	MaxRetryDelay time.Duration
	// Normalize normalizes returned vectors to unit length.
	Normalize bool
	// SkipHealthCheck skips the startup probe (used in tests).
	SkipHealthCheck bool
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return c
}

// wire types for the embedding service.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type modelInfo struct {
	Name string `json:"name"`
}

type modelListResponse struct {
	Models []modelInfo `json:"models"`
}

// Client calls the remote embedding model. It tracks a connection state
// machine (disconnected -> connecting -> connected -> failed) that callers
// can observe, retries transient failures with exponential backoff, and
// maps failures into the engine error taxonomy.
type Client struct {
	client    *http.Client
	transport *http.Transport
	cfg       Config
	conn      *connState

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time.
var _ Embedder = (*Client)(nil)

// NewClient creates a client and, unless disabled, probes the service.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}

	c := &Client{
		// Per-request timeouts come from context so callers keep control;
		// no static client timeout.
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
		conn:      newConnState(),
	}

	if !cfg.SkipHealthCheck {
		if _, err := c.HealthCheck(ctx); err != nil {
			slog.Warn("embedding service unavailable at startup",
				slog.String("base_url", cfg.BaseURL),
				slog.String("error", err.Error()))
		}
	}
	return c, nil
}

// Status returns the connection state snapshot.
func (c *Client) Status() ConnectionStatus {
	return c.conn.snapshot()
}

// ModelName returns the configured model identifier.
func (c *Client) ModelName() string {
	return c.cfg.Model
}

// HealthCheck probes the service's model listing. A success transitions
// the state machine to connected and records the time; a failure moves it
// to failed with the reason.
func (c *Client) HealthCheck(ctx context.Context) ([]string, error) {
	c.conn.transition(StateConnecting, "")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		nerr := classifyTransportError(err)
		c.conn.transition(StateFailed, nerr.Error())
		return nil, nerr
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		herr := httpStatusError(resp.StatusCode, resp.Body)
		c.conn.transition(StateFailed, herr.Error())
		return nil, herr
	}

	var list modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		perr := errors.New(errors.ErrCodeProtocol, "model list unparsable", err)
		c.conn.transition(StateFailed, perr.Error())
		return nil, perr
	}

	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.Name
	}
	c.conn.transition(StateConnected, "")
	return names, nil
}

// Available reports whether the service is serving the configured model.
func (c *Client) Available(ctx context.Context) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	models, err := c.HealthCheck(ctx)
	if err != nil {
		return false
	}
	want := strings.ToLower(c.cfg.Model)
	for _, m := range models {
		name := strings.ToLower(m)
		if name == want || strings.Split(name, ":")[0] == strings.Split(want, ":")[0] {
			return true
		}
	}
	return false
}

// Embed generates the embedding for one text. Transient failures (network
// errors and 5xx responses) retry with exponential backoff; validation and
// 4xx failures do not.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, errors.New(errors.ErrCodeInternal, "embed client is closed", nil)
	}
	c.mu.RUnlock()

	if strings.TrimSpace(text) == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "cannot embed empty text", nil)
	}

	delay := c.cfg.InitialRetryDelay
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.CancelledError("embed cancelled")
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.CancelledError("embed cancelled during backoff")
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.MaxRetryDelay {
				delay = c.cfg.MaxRetryDelay
			}
		}

		vec, err := c.doEmbed(ctx, text)
		if err == nil {
			c.conn.transition(StateConnected, "")
			return vec, nil
		}
		lastErr = err
		c.conn.transition(StateFailed, err.Error())

		if !errors.IsRetryable(err) {
			return nil, err
		}
		slog.Debug("embed attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()))
	}

	return nil, fmt.Errorf("embed failed after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

// doEmbed performs one embedding call.
func (c *Client) doEmbed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Prompt: text})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp.StatusCode, resp.Body)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.New(errors.ErrCodeProtocol, "embedding response unparsable", err)
	}
	if len(result.Embedding) == 0 {
		return nil, errors.New(errors.ErrCodeProtocol, "empty embedding returned", nil)
	}

	if c.cfg.Normalize {
		return normalizeVector(result.Embedding), nil
	}
	return result.Embedding, nil
}

// classifyTransportError maps a transport failure into the taxonomy,
// distinguishing timeouts.
func classifyTransportError(err error) error {
	var nerr net.Error
	if stderrors.As(err, &nerr) && nerr.Timeout() {
		return errors.New(errors.ErrCodeNetworkTimeout, "embedding request timed out", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrCodeNetworkTimeout, "embedding request timed out", err)
	}
	return errors.New(errors.ErrCodeNetworkUnavailable, "embedding service unreachable", err)
}

// httpStatusError maps a non-2xx response into the taxonomy. 5xx responses
// are retryable; 4xx are not.
func httpStatusError(status int, body io.Reader) error {
	detail, _ := io.ReadAll(io.LimitReader(body, 512))
	err := errors.Newf(errors.ErrCodeHTTPStatus,
		"embedding request failed with status %d: %s", status, strings.TrimSpace(string(detail)))
	if status >= 500 {
		err = err.WithRetryable(true)
	}
	return err.WithDetail("status", fmt.Sprintf("%d", status))
}

// Close releases resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.transport.CloseIdleConnections()
	return nil
}
