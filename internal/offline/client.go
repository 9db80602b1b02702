package offline

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/gate"
	"github.com/ashureev/chatlink/internal/metrics"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/ashureev/chatlink/internal/store"
	"github.com/cenkalti/backoff/v4"
)

// Doer issues one gated HTTP call. *gate.Gate implements it.
type Doer interface {
	Call(ctx context.Context, method, path string, body []byte) (*gate.Response, error)
}

var _ Doer = (*gate.Gate)(nil)

// Result is a read response with freshness metadata.
type Result struct {
	Body      []byte
	FromCache bool
	FetchedAt time.Time
}

// NoJitter disables randomisation of retry delays.
const NoJitter = -1.0

const (
	defaultJitter        = 0.2
	defaultProbeInterval = 5 * time.Second
)

// Options configures retries and timing.
type Options struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration

	// Jitter is the randomisation factor applied to each delay. Zero selects
	// 0.2 and NoJitter turns it off.
	Jitter float64

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Client wraps a Doer with the offline cache and the retry policy.
type Client struct {
	doer  Doer
	conn  *Connectivity
	cache store.Repository
	opts  Options

	mu    sync.Mutex
	stale map[string]string // cache key -> path served from cache while offline
	wg    sync.WaitGroup

	stopWatch func()
}

// New creates a client. A transport failure marks conn offline and any
// response marks it online again. Stale entries are revalidated in the
// background whenever conn goes back online.
func New(doer Doer, conn *Connectivity, cache store.Repository, opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.Base <= 0 {
		opts.Base = 500 * time.Millisecond
	}
	if opts.Max <= 0 {
		opts.Max = 30 * time.Second
	}
	switch {
	case opts.Jitter == 0:
		opts.Jitter = defaultJitter
	case opts.Jitter < 0:
		opts.Jitter = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if cache == nil {
		cache = store.NewMemory()
	}
	c := &Client{
		doer:  doer,
		conn:  conn,
		cache: cache,
		opts:  opts,
		stale: make(map[string]string),
	}
	c.stopWatch = conn.OnChange(func(online bool) {
		if online {
			c.revalidate()
		}
	})
	return c
}

// Get performs an idempotent read with retries. Offline, or when the network
// fails, a cached copy is served with FromCache set.
func (c *Client) Get(ctx context.Context, path string) (Result, error) {
	return c.get(ctx, path, c.Do)
}

// GetOnce is Get with a single attempt, for callers that run their own
// attempt budget.
func (c *Client) GetOnce(ctx context.Context, path string) (Result, error) {
	return c.get(ctx, path, func(ctx context.Context, method, path string, body []byte) (*gate.Response, error) {
		return c.doer.Call(ctx, method, path, body)
	})
}

func (c *Client) get(ctx context.Context, path string, do func(context.Context, string, string, []byte) (*gate.Response, error)) (Result, error) {
	key := cacheKey(path)
	if !c.conn.Online() {
		return c.fromCache(ctx, key, path, shared.Offline())
	}

	resp, err := do(ctx, http.MethodGet, path, nil)
	c.observe(path, err)
	if err != nil {
		if shared.KindOf(err) == shared.KindNetwork {
			return c.fromCache(ctx, key, path, err)
		}
		return Result{}, err
	}

	now := c.opts.Now()
	if err := c.cache.Put(ctx, &store.Entry{Key: key, Body: resp.Body, FetchedAt: now}); err != nil {
		c.opts.Logger.Warn("Failed to cache response", "path", path, "error", err)
	}
	return Result{Body: resp.Body, FetchedAt: now}, nil
}

func (c *Client) fromCache(ctx context.Context, key, path string, cause error) (Result, error) {
	e, err := c.cache.Get(ctx, key)
	if err != nil {
		c.opts.Logger.Warn("Failed to read cache", "path", path, "error", err)
		return Result{}, cause
	}
	if e == nil {
		return Result{}, cause
	}
	c.mu.Lock()
	c.stale[key] = path
	c.mu.Unlock()
	return Result{Body: e.Body, FromCache: true, FetchedAt: e.FetchedAt}, nil
}

// Send performs an unsafe request. It is rejected while offline and never queued.
func (c *Client) Send(ctx context.Context, method, path string, body []byte) (*gate.Response, error) {
	if !c.conn.Online() {
		return nil, shared.Offline()
	}
	resp, err := c.Do(ctx, method, path, body)
	c.observe(path, err)
	return resp, err
}

// observe feeds the outcome of a finished call into the connectivity signal.
// Only transport failures count as offline.
func (c *Client) observe(path string, err error) {
	switch {
	case err == nil:
		c.conn.SetOnline(true)
	case shared.KindOf(err) == shared.KindNetwork:
		if c.conn.Online() {
			c.opts.Logger.Warn("Backend unreachable, going offline", "path", path, "error", err)
		}
		c.conn.SetOnline(false)
	}
}

// StartProbe polls path while conn is offline and marks it online once a
// call succeeds. It stops when ctx is done; the returned channel
// closes when the goroutine exits.
func (c *Client) StartProbe(ctx context.Context, path string, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		c.opts.Logger.Debug("Connectivity probe started", "path", path, "interval", interval)
		for {
			select {
			case <-ticker.C:
				c.probe(ctx, path)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

func (c *Client) probe(ctx context.Context, path string) {
	if c.conn.Online() {
		return
	}
	_, err := c.doer.Call(ctx, http.MethodGet, path, nil)
	if ctx.Err() != nil {
		return
	}
	c.observe(path, err)
	if c.conn.Online() {
		c.opts.Logger.Info("Backend reachable again", "path", path)
	}
}

// Do calls the Doer, retrying retryable failures with exponential backoff.
// A Retry-After carried by a 429 sets the minimum wait.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*gate.Response, error) {
	bo := c.newBackOff()
	for attempt := 1; ; attempt++ {
		resp, err := c.doer.Call(ctx, method, path, body)
		if err == nil {
			return resp, nil
		}
		if !shared.IsRetryable(err) {
			return nil, err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.opts.Logger.Warn("Retry budget exhausted", "method", method, "path", path, "attempts", attempt, "error", err)
			return nil, err
		}
		if ra := shared.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		c.opts.Metrics.IncRetry(string(shared.KindOf(err)))
		c.opts.Logger.Info("Retrying request", "method", method, "path", path, "attempt", attempt, "delay", delay, "error", err)

		if err := c.opts.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		if method != http.MethodGet && !c.conn.Online() {
			return nil, shared.Offline()
		}
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Base
	b.Multiplier = 2
	b.MaxInterval = c.opts.Max
	b.RandomizationFactor = c.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1))
}

// revalidate refetches every key served from cache while offline.
func (c *Client) revalidate() {
	c.mu.Lock()
	paths := make([]string, 0, len(c.stale))
	for key, path := range c.stale {
		paths = append(paths, path)
		delete(c.stale, key)
	}
	c.mu.Unlock()

	for _, path := range paths {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := c.Get(ctx, path); err != nil {
				c.opts.Logger.Warn("Background revalidation failed", "path", path, "error", err)
				return
			}
			c.opts.Logger.Debug("Revalidated cached response", "path", path)
		}()
	}
}

// Stale returns the number of cached keys awaiting revalidation.
func (c *Client) Stale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stale)
}

// Wait blocks until background revalidation has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops watching connectivity and waits for revalidation.
func (c *Client) Close() {
	c.stopWatch()
	c.wg.Wait()
}

func cacheKey(path string) string {
	return http.MethodGet + " " + path
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
