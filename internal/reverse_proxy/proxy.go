package reverse_proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/li-yechao/dghost/internal/constants"
	"github.com/li-yechao/dghost/internal/identity"
	"github.com/li-yechao/dghost/internal/utils"
	"github.com/rs/zerolog"
)

var ErrAlreadyActive = errors.New("proxy route is already active")

// RequestObserver is notified about every request forwarded upstream.
type RequestObserver interface {
	ObserveProxyRequest(code int, d time.Duration)
}

// Route is the upstream the gate forwards to once active.
type Route struct {
	// Target holds the scheme and host of the application, e.g. http://127.0.0.1:2369.
	Target *url.URL
	// MountPoint is prepended to every inbound path.
	MountPoint string
	// Host is sent upstream as the Host header. Empty keeps the inbound one.
	Host string
}

type activeRoute struct {
	route   *Route
	handler http.Handler
}

// Gate holds back traffic until the application is running, then forwards every request to it.
// The route is set exactly once.
type Gate struct {
	active    atomic.Pointer[activeRoute]
	decorator *identity.Decorator
	observer  RequestObserver
	transport http.RoundTripper
	logger    *zerolog.Logger
}

func NewGate(decorator *identity.Decorator, observer RequestObserver, logger *zerolog.Logger) *Gate {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if decorator == nil {
		decorator = identity.NewDecorator(nil, nil, logger)
	}
	return &Gate{
		decorator: decorator,
		observer:  observer,
		transport: cleanhttp.DefaultPooledTransport(),
		logger:    logger,
	}
}

// Activate opens the gate. It fails if the gate was already opened.
func (g *Gate) Activate(route *Route) error {
	if route == nil || route.Target == nil || route.Target.Host == "" {
		return fmt.Errorf("invalid proxy route %+v", route)
	}
	if route.MountPoint == "" {
		route.MountPoint = constants.DefaultMountPoint
	}

	active := &activeRoute{
		route:   route,
		handler: g.decorator.Middleware(g.observe(g.newReverseProxy(route))),
	}
	if !g.active.CompareAndSwap(nil, active) {
		return ErrAlreadyActive
	}
	g.logger.Info().Msgf("proxying %s to %s", route.MountPoint, route.Target)
	return nil
}

// Route returns the active route, or nil while the gate is closed.
func (g *Gate) Route() *Route {
	active := g.active.Load()
	if active == nil {
		return nil
	}
	return active.route
}

// Middleware serves next while the gate is closed and forwards upstream once it is open.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active := g.active.Load()
		if active == nil {
			next.ServeHTTP(w, r)
			return
		}
		active.handler.ServeHTTP(w, r)
	})
}

// RewritePath places path below the mount point. The result keeps a trailing slash iff path
// had one.
func RewritePath(mountPoint, p string) string {
	joined := path.Join("/", mountPoint, path.Clean("/"+p))
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined
}

func (g *Gate) newReverseProxy(route *Route) http.Handler {
	target := route.Target

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			// Rewrite the escaped form so encoded separators such as %2F stay encoded.
			escaped := RewritePath(route.MountPoint, pr.In.URL.EscapedPath())
			if unescaped, err := url.PathUnescape(escaped); err == nil {
				pr.Out.URL.Path = unescaped
				pr.Out.URL.RawPath = escaped
			} else {
				pr.Out.URL.Path = RewritePath(route.MountPoint, pr.In.URL.Path)
				pr.Out.URL.RawPath = ""
			}
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery

			pr.SetXForwarded()
			pr.Out.Header.Set(constants.HeaderForwardedProto, constants.ForwardedProtoHTTPS)
			if route.Host != "" {
				pr.Out.Host = route.Host
			}

			// Only the decorator may vouch for an email address.
			pr.Out.Header.Del(constants.HeaderUserEmail)
			if user, ok := identity.UserFromContext(pr.In.Context()); ok && user.Email != "" {
				pr.Out.Header.Set(constants.HeaderUserEmail, user.Email)
			}
		},
		Transport: g.transport,
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			g.logger.Error().Err(err).Msgf("reverse proxy request forwarding error for %s", r.URL.Path)
			utils.LogAndHTTPError(rw, "upstream unavailable", http.StatusBadGateway)
		},
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (g *Gate) observe(next http.Handler) http.Handler {
	if g.observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		g.observer.ObserveProxyRequest(rec.code, time.Since(start))
	})
}
