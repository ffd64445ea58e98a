// Package remote sends route calls to the API server and keeps the access
// token fresh.
//
// Requests on private routes are checked against the token's expiry. When
// it is about to lapse a single refresh call is made; every private request
// that arrives meanwhile waits in a FIFO queue and is dispatched, in arrival
// order, once the refresh settles. A failed refresh resolves the whole queue
// without touching the network.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultExpiryThreshold = 30 * time.Second
)

// Transport sends one HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenFunc returns the current access token, or "" when logged out.
type TokenFunc func(ctx context.Context) (string, error)

// AuthUpdater stores the payload of a successful refresh call.
type AuthUpdater func(ctx context.Context, payload map[string]any) error

// LogoutFunc clears the session after the server rejects the token.
type LogoutFunc func(ctx context.Context) error

// FingerprintFunc identifies the device to the refresh endpoint.
type FingerprintFunc func(ctx context.Context) (string, error)

// Config wires a Coordinator to its collaborators. Only Token is required
// for private routes; RefreshRoute is required for proactive refresh.
type Config struct {
	Transport   Transport
	BaseURL     string // prefix every route is built under
	Token       TokenFunc
	UpdateAuth  AuthUpdater
	Logout      LogoutFunc
	Fingerprint FingerprintFunc

	RefreshRoute    Route
	ExpiryThreshold time.Duration // refresh when the token expires within this window
	Expiry          ExpiryFunc    // defaults to JWTExpiry
	Now             func() time.Time

	Logger *slog.Logger
}

type queued struct {
	ctx   context.Context
	route Route
	input any
	done  chan *Response // buffered so a departed waiter never blocks the drain
}

// Coordinator issues route calls. It is safe for concurrent use.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	refreshing bool
	queue      []*queued
}

// New creates a Coordinator, filling unset options with defaults.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == nil {
		cfg.Transport = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.ExpiryThreshold <= 0 {
		cfg.ExpiryThreshold = defaultExpiryThreshold
	}
	if cfg.Expiry == nil {
		cfg.Expiry = JWTExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}
}

// Fetch calls route with input. It never returns a nil Response; failures
// of every kind are reported through Response.Kind.
func (c *Coordinator) Fetch(ctx context.Context, route Route, input any) *Response {
	if !route.Private() {
		return c.makeRequest(ctx, route, input, "")
	}

	token, err := c.token(ctx)
	if err != nil {
		return transportFailure(err)
	}
	if token == "" {
		c.logger.Debug("private route without token", "route", route)
		return notAuthenticated()
	}

	c.mu.Lock()
	if c.refreshing {
		q := c.enqueueLocked(ctx, route, input)
		n := len(c.queue)
		c.mu.Unlock()
		c.logger.Debug("queued behind refresh", "route", route, "queued", n)
		return wait(ctx, q)
	}
	if !c.nearExpiry(token) || c.cfg.RefreshRoute == nil {
		c.mu.Unlock()
		return c.makeRequest(ctx, route, input, token)
	}
	c.refreshing = true
	q := c.enqueueLocked(ctx, route, input)
	c.mu.Unlock()

	c.logger.Info("token near expiry, refreshing", "route", route)
	go c.refresh(context.WithoutCancel(ctx), token)
	return wait(ctx, q)
}

func (c *Coordinator) enqueueLocked(ctx context.Context, route Route, input any) *queued {
	q := &queued{ctx: ctx, route: route, input: input, done: make(chan *Response, 1)}
	c.queue = append(c.queue, q)
	return q
}

func wait(ctx context.Context, q *queued) *Response {
	select {
	case res := <-q.done:
		return res
	case <-ctx.Done():
		return transportFailure(ctx.Err())
	}
}

func (c *Coordinator) token(ctx context.Context) (string, error) {
	if c.cfg.Token == nil {
		return "", nil
	}
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

func (c *Coordinator) nearExpiry(token string) bool {
	exp, ok := c.cfg.Expiry(token)
	if !ok {
		return false
	}
	return !exp.After(c.cfg.Now().Add(c.cfg.ExpiryThreshold))
}

// refresh runs the single in-flight refresh call and settles the queue.
// The refreshing flag stays set until every queued request has been handed
// to the transport, so nothing arriving meanwhile can overtake the queue.
func (c *Coordinator) refresh(ctx context.Context, token string) {
	settle := func(q *queued) { q.done <- refreshFailed() }

	if c.callRefresh(ctx, token) {
		fresh, err := c.token(ctx)
		switch {
		case err != nil:
			settle = func(q *queued) { q.done <- transportFailure(err) }
		case fresh == "":
			c.logger.Warn("refresh stored no token")
		default:
			settle = func(q *queued) { c.dispatch(q, fresh) }
		}
	}

	for {
		c.mu.Lock()
		queue := c.queue
		c.queue = nil
		if len(queue) == 0 {
			c.refreshing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.logger.Debug("settling queue", "queued", len(queue))
		for _, q := range queue {
			settle(q)
		}
	}
}

// dispatch sends q on its own goroutine and returns once the request has
// reached the transport. Completion order is left to the server.
func (c *Coordinator) dispatch(q *queued, token string) {
	req, err := c.prepare(q.ctx, q.route, q.input, token)
	if err != nil {
		q.done <- transportFailure(err)
		return
	}

	started := make(chan struct{})
	t := signalTransport{Transport: c.cfg.Transport, started: started}
	go func() {
		q.done <- c.send(q.ctx, t, q.route, req)
	}()
	<-started
}

// signalTransport closes started as the request is handed to Transport.
type signalTransport struct {
	Transport
	started chan struct{}
}

func (t signalTransport) Do(req *http.Request) (*http.Response, error) {
	close(t.started)
	return t.Transport.Do(req)
}

func (c *Coordinator) callRefresh(ctx context.Context, token string) bool {
	var input map[string]any
	if c.cfg.Fingerprint != nil {
		fp, err := c.cfg.Fingerprint(ctx)
		if err != nil {
			c.logger.Warn("failed to compute fingerprint", "error", err)
		} else if fp != "" {
			input = map[string]any{"fingerprint": fp}
		}
	}

	res := c.makeRequest(ctx, c.cfg.RefreshRoute, input, token)
	if !res.OK {
		c.logger.Error("refresh call rejected", "kind", res.Kind, "status", res.Status, "message", res.Message)
		return false
	}
	if c.cfg.UpdateAuth != nil {
		if err := c.cfg.UpdateAuth(ctx, res.Payload); err != nil {
			c.logger.Error("failed to store refreshed auth", "error", err)
			return false
		}
	}
	return true
}

func (c *Coordinator) makeRequest(ctx context.Context, route Route, input any, token string) *Response {
	req, err := c.prepare(ctx, route, input, token)
	if err != nil {
		return transportFailure(err)
	}
	return c.send(ctx, c.cfg.Transport, route, req)
}

func (c *Coordinator) prepare(ctx context.Context, route Route, input any, token string) (*http.Request, error) {
	call, err := route.Build(c.cfg.BaseURL, input)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", route.RequestKind().ContentType())
	}
	if route.ResponseKind() != BlobBody {
		req.Header.Set("Accept", "application/json")
	}
	if route.Private() && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Coordinator) send(ctx context.Context, t Transport, route Route, req *http.Request) *Response {
	c.logger.Debug("remote request", "method", req.Method, "url", req.URL.String())

	resp, err := t.Do(req)
	if err != nil {
		c.logger.Error("remote request failed", "route", route, "error", err)
		return transportFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportFailure(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized && c.cfg.Logout != nil {
		c.logger.Info("token rejected, logging out", "route", route)
		if err := c.cfg.Logout(ctx); err != nil {
			c.logger.Error("logout failed", "error", err)
		}
	}

	res := normalize(route, resp.StatusCode, body)
	if !res.OK {
		c.logger.Debug("remote request unsuccessful", "route", route, "status", res.Status, "message", res.Message)
	}
	return res
}
