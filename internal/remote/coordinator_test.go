package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/domain"
)

var (
	refreshRoute = Endpoint{Method: http.MethodPost, Path: "/auth/refresh"}
	itemsRoute   = Endpoint{Path: "/items", IsPrivate: true}
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type tokenBox struct {
	mu    sync.Mutex
	token string
}

func (b *tokenBox) get(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token, nil
}

func (b *tokenBox) update(_ context.Context, payload map[string]any) error {
	token, ok := payload["token"].(string)
	if !ok {
		return errors.New("refresh payload has no token")
	}
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queueLen(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// refreshServer serves a refresh endpoint that blocks until release is
// closed, and a private items endpoint that only accepts fresh.
type refreshServer struct {
	*httptest.Server
	release   chan struct{}
	refreshes atomic.Int32
	calls     atomic.Int32
}

func newRefreshServer(t *testing.T, fresh string, refreshOK bool) *refreshServer {
	t.Helper()
	rs := &refreshServer{release: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", onlyMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		rs.refreshes.Add(1)
		<-rs.release
		if !refreshOK {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "refresh denied"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": fresh})
	}))
	mux.HandleFunc("/items", onlyMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		rs.calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+fresh {
			writeJSON(w, http.StatusForbidden, map[string]any{"message": "stale token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "seq": r.URL.Query().Get("seq")})
	}))

	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func TestPublicRouteSkipsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := New(Config{
		Transport: srv.Client(),
		BaseURL:   srv.URL,
		Token: func(context.Context) (string, error) {
			t.Error("token read for a public route")
			return "", nil
		},
		Logger: adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), Endpoint{Path: "/health"}, nil)
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestNoTokenIsNotAuthenticated(t *testing.T) {
	var sent, loggedOut atomic.Bool
	c := New(Config{
		Transport: transportFunc(func(*http.Request) (*http.Response, error) {
			sent.Store(true)
			return nil, errors.New("unexpected")
		}),
		Token:  func(context.Context) (string, error) { return "", nil },
		Logout: func(context.Context) error {
			loggedOut.Store(true)
			return nil
		},
		Logger: adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), itemsRoute, nil)
	assert.False(t, res.OK)
	assert.Equal(t, NotAuthenticated, res.Kind)
	assert.ErrorIs(t, res.Err(), domain.ErrNotAuthenticated)
	assert.False(t, sent.Load(), "no network call without a token")
	assert.False(t, loggedOut.Load(), "missing token is not a logout")
}

func TestValidTokenAttachesBearer(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
		assert.Equal(t, "/api/items", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": map[string]any{"n": 1}})
	}))
	defer srv.Close()

	c := New(Config{
		Transport:    srv.Client(),
		BaseURL:      srv.URL + "/api",
		Token:        (&tokenBox{token: token}).get,
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), itemsRoute, nil)
	require.True(t, res.OK)
	assert.Equal(t, map[string]any{"n": float64(1)}, res.Payload["data"])
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	const n = 10
	fresh := signedToken(t, time.Now().Add(time.Hour))
	box := &tokenBox{token: signedToken(t, time.Now().Add(10*time.Second))}
	srv := newRefreshServer(t, fresh, true)

	c := New(Config{
		Transport:    srv.Client(),
		BaseURL:      srv.URL,
		Token:        box.get,
		UpdateAuth:   box.update,
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	results := make([]*Response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Fetch(context.Background(), itemsRoute, nil)
		}()
	}

	require.Eventually(t, func() bool { return queueLen(c) == n }, 2*time.Second, time.Millisecond)
	close(srv.release)
	wg.Wait()

	assert.EqualValues(t, 1, srv.refreshes.Load())
	assert.EqualValues(t, n, srv.calls.Load())
	for i, res := range results {
		assert.True(t, res.OK, "request %d: %s", i, res.Message)
	}
	assert.Zero(t, queueLen(c))
}

func TestRefreshFailureResolvesQueueWithoutSending(t *testing.T) {
	const n = 5
	box := &tokenBox{token: signedToken(t, time.Now().Add(5*time.Second))}
	srv := newRefreshServer(t, "unused", false)

	var updated atomic.Bool
	c := New(Config{
		Transport: srv.Client(),
		BaseURL:   srv.URL,
		Token:     box.get,
		UpdateAuth: func(context.Context, map[string]any) error {
			updated.Store(true)
			return nil
		},
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	results := make([]*Response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Fetch(context.Background(), itemsRoute, nil)
		}()
	}

	require.Eventually(t, func() bool { return queueLen(c) == n }, 2*time.Second, time.Millisecond)
	close(srv.release)
	wg.Wait()

	assert.EqualValues(t, 1, srv.refreshes.Load())
	assert.Zero(t, srv.calls.Load(), "no queued request reaches the server")
	assert.False(t, updated.Load())
	for _, res := range results {
		assert.Equal(t, RefreshFailed, res.Kind)
		assert.ErrorIs(t, res.Err(), domain.ErrRefreshFailed)
	}
}

type recordingRoute struct {
	Endpoint
	mu    sync.Mutex
	built []any
}

func (r *recordingRoute) Build(prefix string, input any) (Call, error) {
	r.mu.Lock()
	r.built = append(r.built, input.(map[string]any)["seq"])
	r.mu.Unlock()
	return r.Endpoint.Build(prefix, input)
}

func TestQueueDispatchesInArrivalOrder(t *testing.T) {
	const n = 6
	fresh := signedToken(t, time.Now().Add(time.Hour))
	box := &tokenBox{token: signedToken(t, time.Now().Add(time.Second))}
	srv := newRefreshServer(t, fresh, true)
	route := &recordingRoute{Endpoint: itemsRoute}

	c := New(Config{
		Transport:    srv.Client(),
		BaseURL:      srv.URL,
		Token:        box.get,
		UpdateAuth:   box.update,
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	results := make([]*Response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Fetch(context.Background(), route, map[string]any{"seq": i})
		}()
		require.Eventually(t, func() bool { return queueLen(c) == i+1 }, 2*time.Second, time.Millisecond)
	}
	close(srv.release)
	wg.Wait()

	want := make([]any, n)
	for i := 0; i < n; i++ {
		i := i
		want[i] = i
	}
	assert.Equal(t, want, route.built)
	for i, res := range results {
		require.True(t, res.OK, res.Message)
		assert.Equal(t, strconv.Itoa(i), res.Payload["seq"], "each caller gets its own result")
	}
}

func jsonResponse(status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func TestQueueReachesTransportInArrivalOrder(t *testing.T) {
	const n = 40
	fresh := signedToken(t, time.Now().Add(time.Hour))
	box := &tokenBox{token: signedToken(t, time.Now().Add(time.Second))}
	release := make(chan struct{})

	var (
		mu   sync.Mutex
		sent []string
	)
	c := New(Config{
		Transport: transportFunc(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path == "/auth/refresh" {
				<-release
				return jsonResponse(http.StatusOK, map[string]any{"ok": true, "token": fresh}), nil
			}
			mu.Lock()
			sent = append(sent, req.URL.Query().Get("seq"))
			mu.Unlock()
			return jsonResponse(http.StatusOK, map[string]any{"ok": true}), nil
		}),
		BaseURL:      "http://api.test",
		Token:        box.get,
		UpdateAuth:   box.update,
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Fetch(context.Background(), itemsRoute, map[string]any{"seq": i})
			assert.True(t, res.OK, res.Message)
		}()
		require.Eventually(t, func() bool { return queueLen(c) == i+1 }, 2*time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	want := make([]string, n)
	for i := 0; i < n; i++ {
		i := i
		want[i] = strconv.Itoa(i)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, sent)
}

func TestRefreshWithoutTokenFailsQueue(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Second))

	// The first read sees the expiring token, the read after refresh sees none.
	var reads, calls atomic.Int32
	c := New(Config{
		Transport: transportFunc(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path != "/auth/refresh" {
				calls.Add(1)
			}
			return jsonResponse(http.StatusOK, map[string]any{"ok": true}), nil
		}),
		BaseURL: "http://api.test",
		Token: func(context.Context) (string, error) {
			if reads.Add(1) == 1 {
				return token, nil
			}
			return "", nil
		},
		UpdateAuth:   func(context.Context, map[string]any) error { return nil },
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), itemsRoute, nil)
	assert.Equal(t, RefreshFailed, res.Kind)
	assert.ErrorIs(t, res.Err(), domain.ErrRefreshFailed)
	assert.Zero(t, calls.Load(), "no request goes out without a token")
	assert.Zero(t, queueLen(c))
}

func TestCanceledWaiterDoesNotBlockDrain(t *testing.T) {
	fresh := signedToken(t, time.Now().Add(time.Hour))
	box := &tokenBox{token: signedToken(t, time.Now().Add(time.Second))}
	srv := newRefreshServer(t, fresh, true)

	c := New(Config{
		Transport:    srv.Client(),
		BaseURL:      srv.URL,
		Token:        box.get,
		UpdateAuth:   box.update,
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Response, 1)
	go func() { done <- c.Fetch(ctx, itemsRoute, nil) }()

	require.Eventually(t, func() bool { return queueLen(c) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	res := <-done
	assert.Equal(t, TransportError, res.Kind)
	assert.ErrorIs(t, res.Err(), domain.ErrTransport)

	close(srv.release)
	require.Eventually(t, func() bool {
		tok, _ := box.get(context.Background())
		return tok == fresh && queueLen(c) == 0
	}, 2*time.Second, time.Millisecond)

	res = c.Fetch(context.Background(), itemsRoute, nil)
	assert.True(t, res.OK, res.Message)
}

func TestFingerprintSentWithRefresh(t *testing.T) {
	fresh := signedToken(t, time.Now().Add(time.Hour))
	box := &tokenBox{token: signedToken(t, time.Now().Add(time.Second))}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", onlyMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "device-1", body["fingerprint"])
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": fresh})
	}))
	mux.HandleFunc("/items", onlyMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{
		Transport:    srv.Client(),
		BaseURL:      srv.URL,
		Token:        box.get,
		UpdateAuth:   box.update,
		Fingerprint:  func(context.Context) (string, error) { return "device-1", nil },
		RefreshRoute: refreshRoute,
		Logger:       adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), itemsRoute, nil)
	require.True(t, res.OK, res.Message)
	tok, _ := box.get(context.Background())
	assert.Equal(t, fresh, tok)
}

func TestThresholdIsConfigurable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var refreshed atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", onlyMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		refreshed.Store(true)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	mux.HandleFunc("/items", onlyMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{
		Transport:       srv.Client(),
		BaseURL:         srv.URL,
		Token:           func(context.Context) (string, error) { return "opaque", nil },
		RefreshRoute:    refreshRoute,
		ExpiryThreshold: 2 * time.Minute,
		Expiry: func(string) (time.Time, bool) {
			return now.Add(90 * time.Second), true
		},
		Now:    func() time.Time { return now },
		Logger: adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), itemsRoute, nil)
	require.True(t, res.OK, res.Message)
	assert.True(t, refreshed.Load(), "90s left is inside a 2m threshold")
}

func TestUnauthorizedAwaitsLogout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token revoked"})
	}))
	defer srv.Close()

	var loggedOut atomic.Bool
	c := New(Config{
		Transport: srv.Client(),
		BaseURL:   srv.URL,
		Token:     (&tokenBox{token: signedToken(t, time.Now().Add(time.Hour))}).get,
		Logout: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			loggedOut.Store(true)
			return nil
		},
		Logger: adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), itemsRoute, nil)
	assert.True(t, loggedOut.Load(), "logout finished before Fetch returned")
	assert.False(t, res.OK)
	assert.Equal(t, HTTPError, res.Kind)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "token revoked", res.Message)
	assert.Equal(t, "token revoked", res.Payload["message"])
	assert.ErrorIs(t, res.Err(), domain.ErrHTTP)
}

func TestFormBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":   true,
			"user": r.PostForm.Get("username"),
		})
	}))
	defer srv.Close()

	c := New(Config{Transport: srv.Client(), BaseURL: srv.URL, Logger: adapter.NullLogger()})
	login := Endpoint{Method: http.MethodPost, Path: "/auth/login", Request: FormBody}

	res := c.Fetch(context.Background(), login, map[string]any{"username": "ada", "password": "pw"})
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "ada", res.Payload["user"])
}

func TestBlobResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x1, 0x2, 0x3})
	}))
	defer srv.Close()

	c := New(Config{Transport: srv.Client(), BaseURL: srv.URL, Logger: adapter.NullLogger()})

	res := c.Fetch(context.Background(), Endpoint{Path: "/avatar", Response: BlobBody}, nil)
	require.True(t, res.OK)
	assert.Equal(t, []byte{0x1, 0x2, 0x3}, res.Blob)
	assert.Nil(t, res.Payload)
}

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func TestTransportErrorIsNormalized(t *testing.T) {
	c := New(Config{
		Transport: transportFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}),
		BaseURL: "http://127.0.0.1:1",
		Logger:  adapter.NullLogger(),
	})

	res := c.Fetch(context.Background(), Endpoint{Path: "/health"}, nil)
	assert.False(t, res.OK)
	assert.Equal(t, TransportError, res.Kind)
	assert.Contains(t, res.Message, "connection refused")
	assert.ErrorIs(t, res.Err(), domain.ErrTransport)
}

// onlyMethod restricts h to one HTTP method, answering 405 otherwise, so
// test muxes keep method routing on toolchains without "METHOD /path"
// patterns.
func onlyMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
