package ghost

import "time"

type InstallPhase string

const (
	InstallPhaseStarted   InstallPhase = "started"
	InstallPhaseSucceeded InstallPhase = "succeeded"
	InstallPhaseFailed    InstallPhase = "failed"
	// The version was already complete; only the current pointer may have moved.
	InstallPhaseSkipped   InstallPhase = "skipped"
)

// InstallEvent is published by the installer at the start and at the end of every attempt.
// Both events of one attempt share the ID.
type InstallEvent struct {
	ID       string
	Version  string
	Archive  string
	Phase    InstallPhase
	Error    string
	TimedOut bool
	Time     time.Time
	// Duration is only set on terminal phases.
	Duration time.Duration
}

type ProcessEventKind string

const (
	ProcessEventLaunched  ProcessEventKind = "launched"
	// The process went away after Stop was requested.
	ProcessEventStopped   ProcessEventKind = "stopped"
	// The process went away on its own.
	ProcessEventCrashed   ProcessEventKind = "crashed"
	ProcessEventRestarted ProcessEventKind = "restarted"
)

// ProcessEvent is published by the supervisor on every lifecycle change of the child.
type ProcessEvent struct {
	LaunchID string
	Kind     ProcessEventKind
	Version  string
	Pid      int
	Port     int
	Error    string
	Time     time.Time
}
