package types

import "time"

type ProcessStatus struct {
	State     string    `json:"state"`
	LaunchID  string    `json:"launch_id,omitempty"`
	Version   string    `json:"version,omitempty"`
	Pid       int       `json:"pid,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Restarts  int       `json:"restarts"`
}

type ProxyStatus struct {
	Active     bool   `json:"active"`
	Target     string `json:"target,omitempty"`
	MountPoint string `json:"mount_point,omitempty"`
}

type GetStatusResponse struct {
	PinnedVersion  string         `json:"pinned_version"`
	CurrentVersion string         `json:"current_version,omitempty"`
	Process        *ProcessStatus `json:"process"`
	Proxy          *ProxyStatus   `json:"proxy"`
}

type InstalledVersion struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
	Current     bool      `json:"current"`
}

type GetVersionsResponse struct {
	Versions []*InstalledVersion `json:"versions"`
}

type Install struct {
	ID         string     `json:"id"`
	Version    string     `json:"version"`
	Archive    string     `json:"archive"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	TimedOut   bool       `json:"timed_out"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Launch struct {
	ID         string     `json:"id"`
	Version    string     `json:"version"`
	Pid        int        `json:"pid"`
	Port       int        `json:"port"`
	Restart    bool       `json:"restart"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	LaunchedAt time.Time  `json:"launched_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

type GetHistoryResponse struct {
	Installs []*Install `json:"installs"`
	Launches []*Launch  `json:"launches"`
}
