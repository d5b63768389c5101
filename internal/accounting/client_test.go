package accounting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livinlefevreloca/ledgersync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Timeout = 2 * time.Second
	cfg.RateLimit = 1000
	cfg.Burst = 10
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config) (*Client, *testutil.TestLogger) {
	t.Helper()
	logs := testutil.NewTestLogger()
	c, err := NewClient(context.Background(), cfg, logs.Logger())
	require.NoError(t, err)
	c.retry.sleep = func(context.Context, time.Duration) error { return nil }
	return c, logs
}

// =============================================================================
// Push Tests
// =============================================================================

// TestPush_Success verifies the request shape and the returned reference.
func TestPush_Success(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/payments", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"QB-101","status":"created"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testConfig(srv.URL+"/api"))

	ref, err := c.Push(context.Background(), "/payments", "", "payment_sync", "101")
	require.NoError(t, err)
	assert.Equal(t, "QB-101", ref)
	assert.Equal(t, PushRequest{Domain: "payment_sync", ItemID: "101"}, got)
}

// TestPush_IDPlaceholder verifies "{id}" is substituted and escaped.
func TestPush_IDPlaceholder(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testConfig(srv.URL))

	_, err := c.Push(context.Background(), "/receipts/{id}", http.MethodDelete, "sales_receipt_deletion", "SR 7")
	require.NoError(t, err)
	assert.Equal(t, "/receipts/SR%207", path)
	assert.Equal(t, http.MethodDelete, method)
}

// TestPush_RetriesTransientFailures verifies 5xx and 429 are retried.
func TestPush_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"id":"QB-1"}`))
		}
	}))
	defer srv.Close()

	c, logs := newTestClient(t, testConfig(srv.URL))

	ref, err := c.Push(context.Background(), "/students", "", "student_sync", "1")
	require.NoError(t, err)
	assert.Equal(t, "QB-1", ref)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, logs.HasWarning())
}

// TestPush_GivesUpAfterMaxRetries verifies the attempt bound.
func TestPush_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testConfig(srv.URL))

	_, err := c.Push(context.Background(), "/students", "", "student_sync", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

// TestPush_PermanentFailures verifies 4xx responses are not retried.
func TestPush_PermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"conflict", http.StatusConflict, ErrConflict},
		{"bad request", http.StatusBadRequest, ErrRejected},
		{"unprocessable", http.StatusUnprocessableEntity, ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"customer missing"}`))
			}))
			defer srv.Close()

			c, _ := newTestClient(t, testConfig(srv.URL))

			_, err := c.Push(context.Background(), "/payments", "", "payment_sync", "1")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

// TestPush_ContextCancelled verifies a cancelled context stops the push.
func TestPush_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testConfig(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Push(ctx, "/payments", "", "payment_sync", "1")
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// OAuth Tests
// =============================================================================

// TestPush_OAuthClientCredentials verifies requests carry the fetched token.
func TestPush_OAuthClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var auth string
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"QB-2"}`))
	}))
	defer apiSrv.Close()

	cfg := testConfig(apiSrv.URL)
	cfg.OAuth = OAuthConfig{ClientID: "ledgersync", ClientSecret: "secret", TokenURL: tokenSrv.URL}
	c, _ := newTestClient(t, cfg)

	_, err := c.Push(context.Background(), "/payments", "", "payment_sync", "1")
	require.NoError(t, err)
	_, err = c.Push(context.Background(), "/payments", "", "payment_sync", "2")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", auth)
	assert.Equal(t, int32(1), tokenCalls.Load(), "token should be reused")
}

// =============================================================================
// Ready Tests
// =============================================================================

// TestReady_CachesResult verifies the health probe is cached for ReadyTTL.
func TestReady_CachesResult(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	healthy.Store(false)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, logs := newTestClient(t, testConfig(srv.URL))
	clock := testutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c.now = clock.Now

	assert.ErrorIs(t, c.Ready(context.Background()), ErrUnavailable)
	assert.True(t, logs.HasWarning())

	healthy.Store(true)
	assert.Error(t, c.Ready(context.Background()), "cached failure")
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Minute)
	assert.NoError(t, c.Ready(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

// TestReady_NoHealthPath verifies Ready succeeds without probing.
func TestReady_NoHealthPath(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.HealthPath = ""
	c, _ := newTestClient(t, cfg)

	assert.NoError(t, c.Ready(context.Background()))
}

// =============================================================================
// Config Tests
// =============================================================================

// TestNewClient_InvalidConfig verifies configuration validation.
func TestNewClient_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing base url", func(c *Config) { c.BaseURL = "" }},
		{"zero rate", func(c *Config) { c.RateLimit = 0 }},
		{"zero burst", func(c *Config) { c.Burst = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"max below base delay", func(c *Config) { c.MaxDelay = 0 }},
		{"oauth without token url", func(c *Config) { c.OAuth.ClientID = "x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://accounting.local")
			tt.modify(&cfg)
			_, err := NewClient(context.Background(), cfg, testutil.NewTestLogger().Logger())
			assert.Error(t, err)
		})
	}
}

// TestBackoff_Bounded verifies jittered delays stay within the cap.
func TestBackoff_Bounded(t *testing.T) {
	r := &retrier{baseDelay: 100 * time.Millisecond, maxDelay: time.Second, backoffFactor: 2}

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}

	first := r.backoff(1)
	assert.GreaterOrEqual(t, first, 75*time.Millisecond)
	assert.LessOrEqual(t, first, 125*time.Millisecond)
}

// TestRetryAfter verifies header parsing.
func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("soon"))
}
