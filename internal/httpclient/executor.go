// Package httpclient executes JSON calls against notification gateways with
// per-gateway rate limiting and bounded retries.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/rate"
)

// Backoff returns the sleep before retry number attempt.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Waiter blocks until a call scoped by key may proceed.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

var _ Waiter = (*rate.Manager)(nil)

// Executor sends JSON requests, retrying transport errors and 5xx responses.
// 4xx responses are final and go through errorHandler.
type Executor struct {
	logger       *zap.Logger
	limiter      Waiter
	http         *http.Client
	retryMax     int
	tag          string
	errorHandler func(status int, body []byte) error
}

// New creates an Executor. tag prefixes log events, e.g. "gateway.sms".
func New(
	logger *zap.Logger,
	limiter Waiter,
	httpClient *http.Client,
	retryMax int,
	tag string,
	errorHandler func(status int, body []byte) error,
) *Executor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Executor{
		logger:       logger,
		limiter:      limiter,
		http:         httpClient,
		retryMax:     retryMax,
		tag:          tag,
		errorHandler: errorHandler,
	}
}

// PostJSON marshals payload and posts it to url.
func (e *Executor) PostJSON(ctx context.Context, url string, header http.Header, payload any, rateKey string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return e.Do(ctx, http.MethodPost, url, header, body, rateKey, out)
}

// Do executes the call, rebuilding the request on each attempt so the body is
// resent in full, and decodes a 2xx JSON response into out.
func (e *Executor) Do(ctx context.Context, method, url string, header http.Header, body []byte, rateKey string, out any) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, rateKey); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, Backoff(attempt-1)); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if len(body) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := e.http.Do(req)
		if err != nil {
			lastErr = err
			e.logger.Warn(e.tag+".http_failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		elapsed := time.Since(start)

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%s server error: %d", e.tag, resp.StatusCode)
			e.logger.Warn(e.tag+".server_error",
				zap.Int("status", resp.StatusCode),
				zap.String("url", url),
				zap.Duration("latency", elapsed))
			continue
		}
		if resp.StatusCode >= 400 {
			if e.errorHandler != nil {
				return e.errorHandler(resp.StatusCode, respBody)
			}
			return fmt.Errorf("%s returned %d", e.tag, resp.StatusCode)
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				e.logger.Warn(e.tag+".decode_failed",
					zap.String("url", url),
					zap.Error(err))
				return fmt.Errorf("decode failed: %w", err)
			}
		}
		e.logger.Debug(e.tag+".http_success",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))
		return nil
	}

	return fmt.Errorf("%s request failed after %d attempts: %w", e.tag, e.retryMax+1, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
