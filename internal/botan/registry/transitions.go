package registry

// transitions is the legal status graph.  A status maps to the set of states
// it may move to; anything absent is rejected.  Terminated is terminal: the
// record is removed right after the tombstone is written.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusRegistered},
	StatusRegistered: {StatusDeploying, StatusTerminated},
	StatusDeploying:  {StatusRunning, StatusFailed},
	StatusRunning:    {StatusPaused, StatusStopping, StatusStopped, StatusFailed},
	StatusPaused:     {StatusRunning, StatusStopping, StatusFailed},
	StatusStopping:   {StatusStopped, StatusFailed},
	StatusStopped:    {StatusDeploying, StatusTerminated},
	StatusFailed:     {StatusDeploying, StatusTerminated},
	StatusTerminated: nil,
}

// CanTransition reports whether a bot may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deletable reports whether a bot in the given status may be removed from
// the registry.  Bots that are mid-episode (deploying, running, paused,
// stopping) must be stopped first.
func Deletable(s Status) bool {
	switch s {
	case StatusRegistered, StatusStopped, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}
