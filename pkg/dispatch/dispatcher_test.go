package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
)

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		MaxAttempts:       3,
		AttemptTimeout:    100 * time.Millisecond,
		TotalTimeout:      2 * time.Second,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		RetryableStatuses: []int{429, 502, 503, 504},
	}
}

// statusSequence answers with the given statuses in order, repeating the last one
func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"fact":"cats sleep a lot"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSend_Retries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantStatus   int
		wantErr      bool
		wantAttempts int
	}{
		{"success first try", []int{200}, 200, false, 1},
		{"retry until success", []int{503, 502, 200}, 200, false, 3},
		{"retryable exhausted", []int{503}, 503, true, 3},
		{"not retryable", []int{400, 200}, 400, true, 1},
		{"rate limited then ok", []int{429, 200}, 200, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := statusSequence(t, tt.statuses...)
			d := dispatch.NewDispatcher(testConfig())

			var observed []dispatch.Attempt
			resp, err := d.Send(context.Background(), &dispatch.Request{
				Method:    http.MethodGet,
				URL:       srv.URL,
				OnAttempt: func(a dispatch.Attempt) { observed = append(observed, a) },
			})

			assert.Equal(t, int32(tt.wantAttempts), atomic.LoadInt32(calls))
			require.Len(t, observed, tt.wantAttempts)
			assert.Equal(t, tt.wantStatus, observed[len(observed)-1].Status)
			if tt.wantErr {
				require.Error(t, err)
				var httpErr *dispatch.HTTPError
				require.True(t, errors.As(err, &httpErr))
				assert.Equal(t, tt.wantStatus, httpErr.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Len(t, resp.Attempts, tt.wantAttempts)
			assert.JSONEq(t, `{"fact":"cats sleep a lot"}`, string(resp.Body))
		})
	}
}

func TestSend_AttemptTimeout(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	_, err := dispatch.NewDispatcher(cfg).Send(context.Background(), &dispatch.Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrTimeout))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, gwerrors.KindDispatchTimeout, dispatch.GatewayError(err, srv.URL).Kind)
}

func TestSend_TotalTimeoutCapsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxAttempts = 20
	cfg.AttemptTimeout = time.Second
	cfg.TotalTimeout = 300 * time.Millisecond
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond

	start := time.Now()
	_, err := dispatch.NewDispatcher(cfg).Send(context.Background(), &dispatch.Request{URL: srv.URL})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrTimeout), err.Error())
	assert.Less(t, elapsed, time.Second)
	assert.Less(t, atomic.LoadInt32(&calls), int32(cfg.MaxAttempts))
	assert.Equal(t, gwerrors.KindDispatchTimeout, dispatch.GatewayError(err, srv.URL).Kind)
}

func TestSend_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	attempts := 0
	_, err := dispatch.NewDispatcher(testConfig()).Send(context.Background(), &dispatch.Request{
		URL:       url,
		OnAttempt: func(dispatch.Attempt) { attempts++ },
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrConnection))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, gwerrors.KindDispatchConnection, dispatch.GatewayError(err, url).Kind)
}

func TestSend_CallerCancellation(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.AttemptTimeout = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := dispatch.NewDispatcher(cfg).Send(ctx, &dispatch.Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "cancellation is never retried")
	assert.Equal(t, gwerrors.KindCancelled, dispatch.GatewayError(err, srv.URL).Kind)
}

func TestSend_ForwardsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	resp, err := dispatch.NewDispatcher(testConfig()).Send(context.Background(), &dispatch.Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Header: header,
		Body:   []byte(`{"q":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestGatewayError(t *testing.T) {
	upstream := dispatch.GatewayError(&dispatch.HTTPError{Status: 404}, "x")
	assert.Equal(t, gwerrors.KindDispatchUpstream, upstream.Kind)
	assert.Equal(t, 404, upstream.Status)

	assert.Nil(t, dispatch.GatewayError(nil, "x"))

	blocked := gwerrors.New(gwerrors.KindPolicyBlocked, "no")
	assert.Same(t, blocked, dispatch.GatewayError(blocked, "x"))
}
