// Package dispatch sends outbound HTTP requests with bounded retries and exponential backoff.
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// define error messages
var (
	ErrTimeout    = errors.New("upstream request timed out")
	ErrConnection = errors.New("upstream connection failed")
)

// maxBodySize caps the response body read from an upstream
const maxBodySize = 10 << 20

// HTTPError is returned for upstream responses with a status of 400 or above
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, body)
}

// Request is a single outbound call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// OnAttempt observes every attempt including the last one
	OnAttempt func(Attempt)
}

// Attempt describes the result of one try
type Attempt struct {
	Number   int           `json:"number"`
	Status   int           `json:"status,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Response is the successful result of a dispatch
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts []Attempt
}

// Sender is implemented by the Dispatcher and by test doubles
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Dispatcher sends requests with retries for transient failures
type Dispatcher struct {
	client    *http.Client
	cfg       config.DispatcherConfig
	retryable map[int]bool
}

// NewDispatcher creates a dispatcher with its own HTTP client
func NewDispatcher(cfg config.DispatcherConfig) *Dispatcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for development peers
	}
	return NewDispatcherWithClient(cfg, &http.Client{Transport: transport})
}

// NewDispatcherWithClient creates a dispatcher using the given HTTP client
func NewDispatcherWithClient(cfg config.DispatcherConfig, client *http.Client) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := make(map[int]bool, len(cfg.RetryableStatuses))
	for _, status := range cfg.RetryableStatuses {
		retryable[status] = true
	}
	return &Dispatcher{client: client, cfg: cfg, retryable: retryable}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.InitialBackoff > 0 {
		b.InitialInterval = d.cfg.InitialBackoff
	}
	if d.cfg.MaxBackoff > 0 {
		b.MaxInterval = d.cfg.MaxBackoff
	}
	b.Reset()
	return b
}

// Send performs the request. Connection errors, attempt timeouts and retryable statuses are
// retried until the attempt limit or the total timeout is reached. Caller cancellation stops
// immediately and returns the context error.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	callCtx := ctx
	if d.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.TotalTimeout)
		defer cancel()
	}

	var attempts []Attempt
	operation := func() (*Response, error) {
		attemptStart := time.Now()
		resp, err := d.attempt(callCtx, req)

		a := Attempt{Number: len(attempts) + 1, Err: err, Duration: time.Since(attemptStart)}
		var httpErr *HTTPError
		switch {
		case resp != nil:
			a.Status = resp.Status
		case errors.As(err, &httpErr):
			a.Status = httpErr.Status
		}
		attempts = append(attempts, a)
		metrics.DispatchAttempts.WithLabelValues(attemptResult(err)).Inc()
		if req.OnAttempt != nil {
			req.OnAttempt(a)
		}

		if err != nil && !d.isRetryable(callCtx, err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)), // #nosec G115 -- checked to be at least 1
		backoff.WithNotify(func(err error, wait time.Duration) {
			logging.LogDebugf("Retrying %s %s in %v after: %v", req.Method, req.URL, wait, err)
		}),
	}
	if d.cfg.TotalTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(d.cfg.TotalTimeout))
	}

	resp, err := backoff.Retry(callCtx, operation, opts...)
	if err != nil {
		return nil, d.finalError(ctx, callCtx, err, attempts)
	}
	resp.Attempts = attempts
	return resp, nil
}

// finalError distinguishes caller cancellation from the total timeout of the dispatch. Running out
// of the total budget while attempts remain is a timeout, whatever the last attempt returned.
func (d *Dispatcher) finalError(ctx, callCtx context.Context, err error, attempts []Attempt) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	budgetSpent := callCtx.Err() != nil ||
		(d.cfg.TotalTimeout > 0 && len(attempts) < d.cfg.MaxAttempts && d.isRetryable(ctx, err))
	if !budgetSpent {
		return err
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if len(attempts) > 0 && !isContextErr(err) {
		return errors.Wrapf(ErrTimeout, "no response within %v after %d attempts, last: %v", d.cfg.TotalTimeout, len(attempts), err)
	}
	return errors.Wrapf(ErrTimeout, "no response within %v", d.cfg.TotalTimeout)
}

func (d *Dispatcher) attempt(ctx context.Context, req *Request) (*Response, error) {
	attemptCtx := ctx
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(ctx, attemptCtx, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransportErr(ctx, attemptCtx, err)
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPError{Status: httpResp.StatusCode, Body: data}
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func classifyTransportErr(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	return errors.Wrap(ErrConnection, err.Error())
}

func (d *Dispatcher) isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || isContextErr(err) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return d.retryable[httpErr.Status]
	}
	return false
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func attemptResult(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection_error"
	case errors.As(err, &httpErr):
		return "http_" + fmt.Sprint(httpErr.Status/100) + "xx"
	case isContextErr(err):
		return "cancelled"
	}
	return "error"
}
