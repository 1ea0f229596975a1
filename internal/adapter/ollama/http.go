package ollama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

// maxResponseBody is the maximum response body size read from the backend.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Default connection pool settings: one local host, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// newPooledTransport creates an http.Transport with connection pooling
// sized for a single long-lived backend host.
func newPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// newHTTPClient creates an *http.Client with pooled transport and timeouts
// suitable for a local generation backend. The client Timeout is left unset;
// per-request deadlines come from context so streams can run indefinitely.
func newHTTPClient(cfg config.ServerConfig) *http.Client {
	return &http.Client{
		Transport: newPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool),
	}
}

// classifyTransportError wraps a transport-level failure with the matching
// domain sentinel so callers can classify it with errors.Is.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
}

// doJSONRequest performs a JSON POST request and returns the response body.
// Non-200 responses become "API error NNN: body" errors wrapping domain.ErrAPI.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, apiError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// doStreamRequest performs a JSON POST request for a streamed response.
// It returns the open *http.Response (caller must close Body).
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, apiError(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

func apiError(status int, body []byte) error {
	return fmt.Errorf("API error %d: %s: %w", status, bytes.TrimSpace(body), domain.ErrAPI)
}
