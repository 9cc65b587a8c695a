package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientResolvesUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identity/api/user", r.URL.Path)
		assert.Equal(t, "did:abc", r.URL.Query().Get("did"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user": {"did": "did:abc", "email": "a@x.io", "role": "admin", "fullName": "A"}}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL+"/identity", "secret", time.Second)
	require.NoError(t, err)

	user, err := client.ResolveUser(context.Background(), "did:abc")
	require.NoError(t, err)
	require.Equal(t, &User{DID: "did:abc", Email: "a@x.io", Role: "admin", FullName: "A"}, user)
}

func TestHTTPClientFailures(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "no user",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"user": null}`))
			},
		},
		{
			name: "garbage",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
		},
		{
			name: "slow",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			client, err := NewHTTPClient(server.URL, "", 100*time.Millisecond)
			require.NoError(t, err)

			_, err = client.ResolveUser(context.Background(), "did:abc")
			require.ErrorIs(t, err, ErrResolutionFailed)
			var rerr *ResolutionError
			require.ErrorAs(t, err, &rerr)
			require.Equal(t, "did:abc", rerr.DID)
		})
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := NewHTTPClient(url, "", time.Second)
	require.NoError(t, err)
	_, err = client.ResolveUser(context.Background(), "did:abc")
	require.ErrorIs(t, err, ErrResolutionFailed)
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	_, err := NewHTTPClient("ftp://example.com", "", time.Second)
	require.Error(t, err)
}

func TestUserContext(t *testing.T) {
	_, ok := UserFromContext(context.Background())
	require.False(t, ok)

	ctx := WithUser(context.Background(), &User{Email: "a@x.io"})
	user, ok := UserFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "a@x.io", user.Email)
}
