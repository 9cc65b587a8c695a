package identity

import (
	"errors"
	"net/http"

	"github.com/li-yechao/dghost/internal/constants"
	"github.com/li-yechao/dghost/internal/utils"
	"github.com/rs/zerolog"
)

// LookupObserver is notified about every identity lookup.
type LookupObserver interface {
	ObserveIdentityLookup(err error)
}

// Decorator resolves the caller named by the platform's DID header once per request and
// stores the user in the request context.
type Decorator struct {
	client   Client
	observer LookupObserver
	logger   *zerolog.Logger
}

// NewDecorator returns a decorator backed by client. A nil client disables resolution.
func NewDecorator(client Client, observer LookupObserver, logger *zerolog.Logger) *Decorator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Decorator{
		client:   client,
		observer: observer,
		logger:   logger,
	}
}

func (d *Decorator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		did := r.Header.Get(constants.HeaderUserDID)
		if d.client == nil || did == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := d.client.ResolveUser(r.Context(), did)
		if d.observer != nil {
			d.observer.ObserveIdentityLookup(err)
		}
		if err != nil {
			if !errors.Is(err, ErrResolutionFailed) {
				err = &ResolutionError{DID: did, Err: err}
			}
			d.logger.Err(err).Msgf("rejecting request to %s", r.URL.Path)
			utils.LogAndHTTPError(w, "failed to resolve user identity", http.StatusBadGateway)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
