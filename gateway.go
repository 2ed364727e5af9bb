package ddns

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRequestCeiling is the number of API requests allowed per rolling
	// window before the gateway starts blocking callers. Cloudflare enforces
	// 1200 requests per 5 minutes per user; staying under 1000 leaves slack
	// for anything else using the same token.
	DefaultRequestCeiling = 1000
	// DefaultRequestWindow is the rolling window the ceiling applies to.
	DefaultRequestWindow = 5 * time.Minute
	// DefaultMaxRetries bounds how many times a single call is retried after
	// throttling or a transient failure.
	DefaultMaxRetries = 3
	// DefaultRetryBaseDelay seeds the exponential backoff between retries.
	DefaultRetryBaseDelay = 1 * time.Second
	// DefaultAttemptTimeout bounds a single network attempt so one stuck
	// connection can't stall a whole poll cycle. It applies per attempt,
	// never to the quota or backoff waits in between.
	DefaultAttemptTimeout = 30 * time.Second

	// lowWaterRemaining is the advisory threshold for Cloudflare's
	// remaining-quota response header.
	lowWaterRemaining = 10
)

// gateway is the single choke point for Cloudflare API traffic. It implements
// http.RoundTripper so it can sit underneath the cloudflare-go client as its
// transport: every call the SDK makes passes through RoundTrip no matter
// which endpoint it targets.
//
// The gateway enforces a client-side request budget over a rolling window,
// retries throttled (429) and transient (5xx, network) failures with
// exponential backoff, and honors the Retry-After delay Cloudflare advertises
// when throttling. Callers over budget block until the window rolls over
// rather than failing.
type gateway struct {
	next http.RoundTripper

	ceiling        int
	window         time.Duration
	maxRetries     int
	baseDelay      time.Duration
	attemptTimeout time.Duration

	logger *logrus.Entry

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

func newGateway(next http.RoundTripper, logger *logrus.Entry) *gateway {
	if next == nil {
		next = http.DefaultTransport
	}
	return &gateway{
		next:           next,
		ceiling:        DefaultRequestCeiling,
		window:         DefaultRequestWindow,
		maxRetries:     DefaultMaxRetries,
		baseDelay:      DefaultRetryBaseDelay,
		attemptTimeout: DefaultAttemptTimeout,
		logger:         logger,
	}
}

// RoundTrip implements http.RoundTripper.
//
// The per-attempt timeout covers only the time spent on the wire. Quota
// waits and backoff sleeps run under the caller's context alone, so a call
// parked waiting for the window to roll over is not a failure.
func (g *gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if err := g.acquire(ctx); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		r := req.Clone(attemptCtx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				cancel()
				return nil, errors.Wrap(err, "replaying request body")
			}
			r.Body = body
		}

		resp, err := g.next.RoundTrip(r)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= g.maxRetries {
				return nil, errors.Wrapf(err, "giving up after %d retries", g.maxRetries)
			}
			delay := g.backoff(attempt)
			g.logger.WithError(err).WithField("delay", delay).Warn("request failed; retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		g.checkRemaining(resp)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			cancel()
			if attempt >= g.maxRetries {
				return nil, errors.Errorf("cloudflare returned %s; giving up after %d retries", resp.Status, g.maxRetries)
			}
			delay := g.backoff(attempt)
			if ra := retryAfter(resp); ra > 0 {
				delay = ra
			}
			g.logger.WithFields(logrus.Fields{
				"status": resp.StatusCode,
				"delay":  delay,
			}).Warn("throttled by cloudflare; backing off")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		// The attempt context must stay alive until the caller has read the
		// body, so the cancel rides along with it.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// acquire claims one request from the current window, blocking until the
// window rolls over when the budget is spent.
func (g *gateway) acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()
		if now.Sub(g.windowStart) >= g.window {
			g.windowStart = now
			g.count = 0
		}
		if g.count < g.ceiling {
			g.count++
			g.mu.Unlock()
			return nil
		}
		wait := g.window - now.Sub(g.windowStart)
		g.mu.Unlock()

		g.logger.WithField("wait", wait).Warn("request budget exhausted; waiting for window to roll over")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *gateway) backoff(attempt int) time.Duration {
	return g.baseDelay << uint(attempt)
}

func (g *gateway) checkRemaining(resp *http.Response) {
	v := resp.Header.Get("X-RateLimit-Remaining")
	if v == "" {
		return
	}
	remaining, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	if remaining < lowWaterRemaining {
		g.logger.WithField("remaining", remaining).Warn("cloudflare rate limit nearly exhausted")
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
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
