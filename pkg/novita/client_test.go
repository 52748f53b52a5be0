package novita

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/types"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) *Client {
	t.Helper()
	c := NewClient(Config{
		BaseURL:          baseURL,
		APIKey:           "test-key",
		MaxRetryAttempts: maxRetries,
		RateLimitPerMin:  6000, // effectively unlimited for tests
		Regions: []types.Region{
			{Code: "CN-HK-01", Priority: 1},
			{Code: "AS-SGP-02", Priority: 2},
			{Code: "US-CA-06", Priority: 3},
		},
	})
	c.maxRetries = maxRetries
	c.backoffBase = time.Millisecond
	return c
}

func TestRetryOn500ThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"instance":{"id":"u1","name":"n","status":"running"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	inst, err := c.GetInstance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", inst.ID)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.GetInstance(context.Background(), "u1")
	assert.ErrorIs(t, err, errdefs.ErrUpstreamClient)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestRateLimitExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.GetInstance(context.Background(), "u1")
	assert.ErrorIs(t, err, errdefs.ErrUpstreamRateLimit)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	for i := 0; i < 5; i++ {
		_, err := c.GetInstance(context.Background(), "u1")
		assert.ErrorIs(t, err, errdefs.ErrUpstreamServer)
	}
	assert.Equal(t, BreakerOpen, c.BreakerState())

	before := atomic.LoadInt32(&calls)
	_, err := c.GetInstance(context.Background(), "u1")
	assert.True(t, errdefs.IsCircuitOpen(err))
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open circuit must not reach upstream")
}

func TestBreakerRecovery(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	require.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)

	// Single probe admitted, concurrent calls still rejected
	require.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow())

	b.RecordSuccess()
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())

	// A half-open probe failure reopens immediately
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestRequestGateFailsFast(t *testing.T) {
	g := newRequestGate(1, 10*time.Millisecond)

	require.NoError(t, g.acquire(context.Background()))

	// Slot is held, the next caller times out
	err := g.acquire(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrRequestQueueFull)

	g.release()
	require.NoError(t, g.acquire(context.Background()))
	g.release()
}

func TestRequestGateDepthBound(t *testing.T) {
	g := newRequestGate(1, time.Second)
	require.NoError(t, g.acquire(context.Background()))

	// One waiter occupies the queue; a second is rejected immediately
	waiterErr := make(chan error, 1)
	go func() { waiterErr <- g.acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	err := g.acquire(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrRequestQueueFull)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "depth rejection must not wait")

	g.release()
	require.NoError(t, <-waiterErr)
	g.release()
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}
