package identity

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_client.go -package=mocks . Client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	pkgerrors "github.com/pkg/errors"
)

var ErrResolutionFailed = errors.New("identity resolution failed")

// ResolutionError means the identity service could not produce a user for a DID. Requests
// carrying that DID fail instead of being served anonymously.
type ResolutionError struct {
	DID string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving user %s: %v", e.DID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolutionFailed
}

// User is the platform user behind a DID.
type User struct {
	DID      string `json:"did"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	FullName string `json:"fullName"`
}

type Client interface {
	ResolveUser(ctx context.Context, did string) (*User, error)
}

type getUserResponse struct {
	User *User `json:"user"`
}

type httpClient struct {
	baseURL *url.URL
	token   string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClient talks to the identity service at baseURL. token, if set, is sent as a bearer
// token. Every lookup is bounded by timeout.
func NewHTTPClient(baseURL, token string, timeout time.Duration) (Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "invalid identity service url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("identity service url must be http or https, got %q", baseURL)
	}
	return &httpClient{
		baseURL: u,
		token:   token,
		timeout: timeout,
		client:  cleanhttp.DefaultPooledClient(),
	}, nil
}

func (c *httpClient) ResolveUser(ctx context.Context, did string) (*User, error) {
	user, err := c.resolveUser(ctx, did)
	if err != nil {
		return nil, &ResolutionError{DID: did, Err: err}
	}
	return user, nil
}

func (c *httpClient) resolveUser(ctx context.Context, did string) (*User, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := c.baseURL.JoinPath("api", "user")
	endpoint.RawQuery = url.Values{"did": []string{did}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "identity service request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading identity service response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res getUserResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, pkgerrors.Wrap(err, "decoding identity service response")
	}
	if res.User == nil {
		return nil, errors.New("identity service returned no user")
	}
	if res.User.DID == "" {
		res.User.DID = did
	}
	return res.User, nil
}
