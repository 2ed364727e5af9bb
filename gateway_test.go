package ddns

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func testGateway() (*gateway, *test.Hook) {
	logger, hook := test.NewNullLogger()
	g := newGateway(http.DefaultTransport, logrus.NewEntry(logger))
	g.baseDelay = time.Millisecond
	return g, hook
}

func TestGatewayHonorsRetryAfter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g, _ := testGateway()
	client := &http.Client{Transport: g}

	start := time.Now()
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(2), atomic.LoadInt32(&hits))
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond, "should wait out the advertised delay")
}

func TestGatewayBoundedRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, _ := testGateway()
	client := &http.Client{Transport: g}

	_, err := client.Get(srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "giving up")
	require.Equal(t, int32(DefaultMaxRetries+1), atomic.LoadInt32(&hits), "initial attempt plus each retry")
}

func TestGatewayRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // guaranteed connection refused

	g, _ := testGateway()
	g.maxRetries = 2
	client := &http.Client{Transport: g}

	_, err := client.Get(url)
	require.Error(t, err)
	require.Contains(t, err.Error(), "giving up after 2 retries")
}

func TestGatewayBlocksAtCeilingUntilRollover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g, _ := testGateway()
	g.ceiling = 2
	g.window = 150 * time.Millisecond
	client := &http.Client{Transport: g}

	start := time.Now()
	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.Less(t, time.Since(start), 100*time.Millisecond, "requests under the ceiling must not block")

	// The third request is over quota and must wait for the window to roll
	// over rather than fail.
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestGatewayWindowResetPermitsFullCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g, _ := testGateway()
	g.ceiling = 2
	g.window = 50 * time.Millisecond
	client := &http.Client{Transport: g}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	time.Sleep(60 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.Less(t, time.Since(start), 40*time.Millisecond, "an expired window permits the full ceiling again")
}

func TestGatewayQuotaWaitOutlivesAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g, _ := testGateway()
	g.ceiling = 1
	g.window = 200 * time.Millisecond
	g.attemptTimeout = 50 * time.Millisecond
	client := &http.Client{Transport: g}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// The second request sits in the quota wait for longer than the attempt
	// timeout. The timeout only covers the wire, so it must still succeed.
	start := time.Now()
	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "should have waited out the window")
}

func TestGatewayTimesOutSlowAttemptAndRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
	}))
	defer srv.Close()

	g, _ := testGateway()
	g.attemptTimeout = 50 * time.Millisecond
	client := &http.Client{Transport: g}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(2), atomic.LoadInt32(&hits), "stalled attempt should be abandoned and retried")
}

func TestGatewayQuotaWaitAbortsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g, _ := testGateway()
	g.ceiling = 1
	g.window = 10 * time.Second
	client := &http.Client{Transport: g}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Do(req)
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second, "cancellation must abort the quota wait")
}

func TestGatewayWarnsNearQuotaExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "5")
	}))
	defer srv.Close()

	g, hook := testGateway()
	client := &http.Client{Transport: g}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	var warned bool
	for _, e := range hook.Entries {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "nearly exhausted") {
			warned = true
		}
	}
	require.True(t, warned, "remaining quota below the low-water mark should warn")
}
