// Package upstream is the outbound JSON client used to reach remote agents.
// Every call goes through a resilience.Invoker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/itinerd/api"
	"pkt.systems/itinerd/internal/ids"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
	// maxErrorBody caps how much of a failed response is read.
	maxErrorBody = 64 << 10

	headerRequestID = "X-Request-Id"
)

// Config wires a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
	Invoker   *resilience.Invoker
	Logger    pslog.Logger
}

// Client posts JSON to a base URL.
type Client struct {
	base    *url.URL
	timeout time.Duration
	http    *http.Client
	invoker *resilience.Invoker
	logger  pslog.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("upstream: base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream: unsupported scheme %q", base.Scheme)
	}
	if cfg.Invoker == nil {
		return nil, errors.New("upstream: invoker required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		base:    base,
		timeout: cfg.Timeout,
		http:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		invoker: cfg.Invoker,
		logger:  svcfields.WithSubsystem(cfg.Logger, "upstream.client"),
	}, nil
}

// Invoker returns the invoker guarding this client.
func (c *Client) Invoker() *resilience.Invoker { return c.invoker }

// Call posts in as JSON to path and decodes the response into out (which may
// be nil). Failures are returned as *resilience.Failure.
func (c *Client) Call(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &resilience.Failure{Op: path, Kind: resilience.Permanent, Status: http.StatusBadRequest, Code: "encode_failed", Err: err}
	}
	endpoint := c.base.JoinPath(path).String()
	requestID := ids.NewRequestID()
	return c.invoker.Do(ctx, path, func(ctx context.Context) error {
		return c.post(ctx, endpoint, requestID, body, out)
	})
}

func (c *Client) post(ctx context.Context, endpoint, requestID string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return resilience.MarkPermanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRequestID, requestID)

	logger := svcfields.FromContext(ctx, c.logger)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Debug("upstream.call.error", "endpoint", endpoint, "request_id", requestID, "error", err)
		return err
	}
	defer resp.Body.Close()
	logger.Trace("upstream.call.response", "endpoint", endpoint, "request_id", requestID, "status", resp.StatusCode, "elapsed", time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &resilience.StatusError{Status: resp.StatusCode}
	var envelope api.ErrorResponse
	if len(data) > 0 && json.Unmarshal(data, &envelope) == nil && envelope.ErrorCode != "" {
		statusErr.Code = envelope.ErrorCode
		statusErr.Message = envelope.Detail
	} else if len(data) > 0 {
		statusErr.Message = strings.TrimSpace(string(data))
	}
	return statusErr
}
