package ghost

// ProcessState is the lifecycle state of the supervised application process.
type ProcessState int

const (
	ProcessStateStopped ProcessState = iota
	ProcessStateStarting
	ProcessStateRunning
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStateStopped:
		return "stopped"
	case ProcessStateStarting:
		return "starting"
	case ProcessStateRunning:
		return "running"
	}
	return "unknown"
}

func (s ProcessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
