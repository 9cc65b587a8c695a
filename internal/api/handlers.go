package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/li-yechao/dghost/api/types"
	"github.com/li-yechao/dghost/internal/ledger"
	"github.com/li-yechao/dghost/internal/process"
	"github.com/li-yechao/dghost/internal/reverse_proxy"
	"github.com/li-yechao/dghost/internal/utils"
	"github.com/li-yechao/dghost/internal/versions"
)

const defaultHistoryLimit = 20

type ProcessStatusSource interface {
	Status() *process.Status
}

type ProxyRouteSource interface {
	Route() *reverse_proxy.Route
}

type VersionSource interface {
	Current() (string, error)
	List() ([]*versions.InstalledVersion, error)
}

type HistorySource interface {
	RecentInstalls(limit int) ([]*ledger.InstallRecord, error)
	RecentLaunches(limit int) ([]*ledger.LaunchRecord, error)
}

// StatusRoute reports the supervised process and the proxy route.
type StatusRoute struct {
	pinnedVersion string
	supervisor    ProcessStatusSource
	gate          ProxyRouteSource
	store         VersionSource
}

func NewStatusRoute(pinnedVersion string, supervisor ProcessStatusSource, gate ProxyRouteSource, store VersionSource) *StatusRoute {
	return &StatusRoute{
		pinnedVersion: pinnedVersion,
		supervisor:    supervisor,
		gate:          gate,
		store:         store,
	}
}

func (h *StatusRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	current, err := h.store.Current()
	if err != nil && !errors.Is(err, versions.ErrNoCurrentVersion) {
		utils.LogAndHTTPError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := h.supervisor.Status()
	res := &types.GetStatusResponse{
		PinnedVersion:  h.pinnedVersion,
		CurrentVersion: current,
		Process: &types.ProcessStatus{
			State:     status.State.String(),
			LaunchID:  status.LaunchID,
			Version:   status.Version,
			Pid:       status.Pid,
			Host:      status.Host,
			Port:      status.Port,
			StartedAt: status.StartedAt,
			Restarts:  status.Restarts,
		},
		Proxy: &types.ProxyStatus{},
	}
	if route := h.gate.Route(); route != nil {
		res.Proxy.Active = true
		res.Proxy.Target = route.Target.String()
		res.Proxy.MountPoint = route.MountPoint
	}

	utils.WriteJSON(w, http.StatusOK, res)
}

func (h *StatusRoute) Pattern() string {
	return "/status"
}

func (h *StatusRoute) Method() string {
	return http.MethodGet
}

// VersionsRoute lists the complete installs in the version store.
type VersionsRoute struct {
	store VersionSource
}

func NewVersionsRoute(store VersionSource) *VersionsRoute {
	return &VersionsRoute{store: store}
}

func (h *VersionsRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	installed, err := h.store.List()
	if err != nil {
		utils.LogAndHTTPError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	res := &types.GetVersionsResponse{
		Versions: make([]*types.InstalledVersion, 0, len(installed)),
	}
	for _, v := range installed {
		res.Versions = append(res.Versions, &types.InstalledVersion{
			Version:     v.Version,
			InstalledAt: v.InstalledAt,
			Current:     v.Current,
		})
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (h *VersionsRoute) Pattern() string {
	return "/versions"
}

func (h *VersionsRoute) Method() string {
	return http.MethodGet
}

// HistoryRoute returns the most recent installs and launches. ?limit=N bounds both lists.
type HistoryRoute struct {
	ledger HistorySource
}

func NewHistoryRoute(ledger HistorySource) *HistoryRoute {
	return &HistoryRoute{ledger: ledger}
}

func (h *HistoryRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			utils.LogAndHTTPError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	res, err := History(h.ledger, limit)
	if err != nil {
		utils.LogAndHTTPError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (h *HistoryRoute) Pattern() string {
	return "/history"
}

func (h *HistoryRoute) Method() string {
	return http.MethodGet
}

// History converts the ledger records into the API representation.
func History(source HistorySource, limit int) (*types.GetHistoryResponse, error) {
	installs, err := source.RecentInstalls(limit)
	if err != nil {
		return nil, err
	}
	launches, err := source.RecentLaunches(limit)
	if err != nil {
		return nil, err
	}

	res := &types.GetHistoryResponse{
		Installs: make([]*types.Install, 0, len(installs)),
		Launches: make([]*types.Launch, 0, len(launches)),
	}
	for _, i := range installs {
		res.Installs = append(res.Installs, &types.Install{
			ID:         i.ID,
			Version:    i.Version,
			Archive:    i.Archive,
			Status:     i.Status,
			Error:      i.Error,
			TimedOut:   i.TimedOut,
			StartedAt:  i.StartedAt,
			FinishedAt: i.FinishedAt,
		})
	}
	for _, l := range launches {
		res.Launches = append(res.Launches, &types.Launch{
			ID:         l.ID,
			Version:    l.Version,
			Pid:        l.Pid,
			Port:       l.Port,
			Restart:    l.Restart,
			Status:     l.Status,
			Error:      l.Error,
			LaunchedAt: l.LaunchedAt,
			ExitedAt:   l.ExitedAt,
		})
	}
	return res, nil
}

// MetricsRoute exposes the Prometheus registry.
type MetricsRoute struct {
	handler http.Handler
}

func NewMetricsRoute(handler http.Handler) *MetricsRoute {
	return &MetricsRoute{handler: handler}
}

func (h *MetricsRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *MetricsRoute) Pattern() string {
	return "/metrics"
}

func (h *MetricsRoute) Method() string {
	return http.MethodGet
}
