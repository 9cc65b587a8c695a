package access

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/li-yechao/dghost/internal/constants"
	"github.com/rs/zerolog"
)

// Gate guards the application's admin area using the identity headers set by the platform.
// Anonymous callers are sent to the platform login, callers without an allowed role to the
// front page.
type Gate struct {
	mountPoint string
	roles      map[string]struct{}
	logger     *zerolog.Logger
}

func NewGate(mountPoint string, roles []string, logger *zerolog.Logger) *Gate {
	if mountPoint == "" {
		mountPoint = constants.DefaultMountPoint
	}
	if len(roles) == 0 {
		roles = constants.DefaultAllowedRoles
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return &Gate{
		mountPoint: mountPoint,
		roles:      allowed,
		logger:     logger,
	}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		did := r.Header.Get(constants.HeaderUserDID)
		if did == "" {
			http.Redirect(w, r, g.LoginURL(r.URL), http.StatusFound)
			return
		}

		role := r.Header.Get(constants.HeaderUserRole)
		if _, ok := g.roles[role]; !ok {
			g.logger.Info().Msgf("user %s with role %q denied access to %s", did, role, r.URL.Path)
			http.Redirect(w, r, g.mountPoint, http.StatusFound)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoginURL is the platform login page, returning to u below the mount point afterwards. The
// query string is kept as is and omitted when empty.
func (g *Gate) LoginURL(u *url.URL) string {
	back := path.Join("/", g.mountPoint, u.Path)
	if strings.HasSuffix(u.Path, "/") && !strings.HasSuffix(back, "/") {
		back += "/"
	}
	if u.RawQuery != "" {
		back += "?" + u.RawQuery
	}

	return constants.PlatformLoginPath + "?" + constants.LoginRedirectQueryKey + "=" + url.QueryEscape(back)
}
