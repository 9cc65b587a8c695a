package reverse_proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/li-yechao/dghost/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenRequest struct {
	Path    string
	RawPath string
	Query   string
	Host    string
	Method  string
	Headers http.Header
	Body    string
}

// upstream echoes what it received as JSON.
func upstream(t *testing.T) (*httptest.Server, *url.URL) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(&seenRequest{
			Path:    r.URL.Path,
			RawPath: r.URL.EscapedPath(),
			Query:   r.URL.RawQuery,
			Host:    r.Host,
			Method:  r.Method,
			Headers: r.Header,
			Body:    string(body),
		})
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return server, u
}

func doRequest(t *testing.T, handler http.Handler, req *http.Request) (*httptest.ResponseRecorder, *seenRequest) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		return rec, nil
	}
	var seen seenRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seen))
	return rec, &seen
}

type userClient struct {
	email string
}

func (c *userClient) ResolveUser(_ context.Context, did string) (*identity.User, error) {
	return &identity.User{DID: did, Email: c.email}, nil
}

func TestRewritePath(t *testing.T) {
	testCases := []struct {
		mount string
		in    string
		want  string
	}{
		{"/", "/", "/"},
		{"/", "/ghost/", "/ghost/"},
		{"/", "/ghost", "/ghost"},
		{"/blog", "/", "/blog/"},
		{"/blog", "/ghost", "/blog/ghost"},
		{"/blog", "/ghost/", "/blog/ghost/"},
		{"/blog/", "/ghost/api/admin/", "/blog/ghost/api/admin/"},
		{"/blog", "", "/blog"},
		{"/blog", "/../../etc/passwd", "/blog/etc/passwd"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, RewritePath(tc.mount, tc.in), fmt.Sprintf("%s + %s", tc.mount, tc.in))
	}
}

func TestGateClosedServesNext(t *testing.T) {
	gate := NewGate(nil, nil, nil)
	rec := httptest.NewRecorder()
	gate.Middleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ghost/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, gate.Route())
}

func TestGateActivatesOnce(t *testing.T) {
	_, target := upstream(t)
	gate := NewGate(nil, nil, nil)

	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/"}))
	require.ErrorIs(t, gate.Activate(&Route{Target: target, MountPoint: "/other"}), ErrAlreadyActive)
	require.Equal(t, "/", gate.Route().MountPoint)

	require.Error(t, NewGate(nil, nil, nil).Activate(&Route{}))
}

func TestGateForwardsRequests(t *testing.T) {
	_, target := upstream(t)
	gate := NewGate(nil, nil, nil)
	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/blog", Host: "example.com"}))
	handler := gate.Middleware(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodPost, "/ghost/api/admin/session/?a=1&b=2", nil)
	req.Header.Set("x-user-email", "spoofed@evil.io")
	req.Header.Set("X-Forwarded-Proto", "http")
	rec, seen := doRequest(t, handler, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "/blog/ghost/api/admin/session/", seen.Path)
	assert.Equal(t, "a=1&b=2", seen.Query)
	assert.Equal(t, "example.com", seen.Host)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "https", seen.Headers.Get("X-Forwarded-Proto"))
	assert.NotEmpty(t, seen.Headers.Get("X-Forwarded-For"))
	assert.Empty(t, seen.Headers.Get("x-user-email"))
}

func TestGateKeepsEncodedSeparators(t *testing.T) {
	_, target := upstream(t)
	gate := NewGate(nil, nil, nil)
	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/blog"}))
	handler := gate.Middleware(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/tag/a%2Fb/", nil)
	_, seen := doRequest(t, handler, req)
	require.NotNil(t, seen)
	assert.Equal(t, "/blog/tag/a%2Fb/", seen.RawPath)
	assert.Equal(t, "/blog/tag/a/b/", seen.Path)

	req = httptest.NewRequest(http.MethodGet, "/a%20b/../c", nil)
	_, seen = doRequest(t, handler, req)
	require.NotNil(t, seen)
	assert.Equal(t, "/blog/c", seen.Path)
}

func TestGateAddsResolvedEmail(t *testing.T) {
	_, target := upstream(t)
	decorator := identity.NewDecorator(&userClient{email: "a@x.io"}, nil, nil)
	gate := NewGate(decorator, nil, nil)
	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/"}))
	handler := gate.Middleware(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-user-did", "did:abc")
	req.Header.Set("x-user-email", "spoofed@evil.io")
	_, seen := doRequest(t, handler, req)
	require.NotNil(t, seen)
	assert.Equal(t, "a@x.io", seen.Headers.Get("x-user-email"))
	assert.Equal(t, "did:abc", seen.Headers.Get("x-user-did"))

	// No DID, no lookup, no header.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	_, seen = doRequest(t, handler, req)
	require.NotNil(t, seen)
	assert.Empty(t, seen.Headers.Get("x-user-email"))
}

func TestGateUpstreamDown(t *testing.T) {
	server, target := upstream(t)
	server.Close()

	observer := &requestCounter{}
	gate := NewGate(nil, observer, nil)
	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/"}))

	rec := httptest.NewRecorder()
	gate.Middleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []int{http.StatusBadGateway}, observer.codes)
}

func TestRouterAllMethods(t *testing.T) {
	_, target := upstream(t)
	gate := NewGate(nil, nil, nil)
	router := NewRouter(gate, "", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/"}))
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		_, seen := doRequest(t, router, httptest.NewRequest(method, "/ghost//double", nil))
		require.NotNil(t, seen, method)
		assert.Equal(t, method, seen.Method)
	}
}

func TestRouterGuard(t *testing.T) {
	_, target := upstream(t)
	gate := NewGate(nil, nil, nil)
	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/"}))

	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
	}
	router := NewRouter(gate, "/ghost", guard)

	for path, code := range map[string]int{
		"/ghost":          http.StatusForbidden,
		"/ghost/":         http.StatusForbidden,
		"/ghost/settings": http.StatusForbidden,
		"/ghostly":        http.StatusOK,
		"/":               http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, rec.Code, path)
	}
}

func TestConcurrentActivation(t *testing.T) {
	_, target := upstream(t)
	gate := NewGate(nil, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Activate(&Route{Target: target, MountPoint: "/"}) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

type requestCounter struct {
	mu    sync.Mutex
	codes []int
}

func (c *requestCounter) ObserveProxyRequest(code int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
}

func TestRouterAnswersPreflight(t *testing.T) {
	_, target := upstream(t)
	gate := NewGate(nil, nil, nil)
	require.NoError(t, gate.Activate(&Route{Target: target, MountPoint: "/"}))
	router := NewRouter(gate, "/ghost", func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
	})

	for _, p := range []string{"/content/posts/", "/ghost/api/admin/"} {
		req := httptest.NewRequest(http.MethodOptions, p, nil)
		req.Header.Set("Origin", "https://other.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPut)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code, p)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), p)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut, p)
	}

	req := httptest.NewRequest(http.MethodGet, "/content/posts/", nil)
	req.Header.Set("Origin", "https://other.example.com")
	rec, seen := doRequest(t, router, req)
	require.NotNil(t, seen)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "/content/posts/", seen.Path)
}
