package supervise

import (
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/topology"
)

// Phase is a service's position in the supervision lifecycle.
type Phase string

const (
	PhaseCreated         Phase = "created"
	PhaseStarting        Phase = "starting"
	PhaseRunning         Phase = "running"
	PhaseHealthy         Phase = "healthy"
	PhaseUnhealthy       Phase = "unhealthy"
	PhaseStartingTimeout Phase = "starting-timeout"
	PhaseStopped         Phase = "stopped"
	PhaseRestarting      Phase = "restarting"
	PhaseTerminal        Phase = "terminal"
)

var Phases = []string{
	string(PhaseCreated), string(PhaseStarting), string(PhaseRunning),
	string(PhaseHealthy), string(PhaseUnhealthy), string(PhaseStartingTimeout),
	string(PhaseStopped), string(PhaseRestarting), string(PhaseTerminal),
}

// Live reports whether a process is expected to exist in this phase.
func (p Phase) Live() bool {
	switch p {
	case PhaseStarting, PhaseRunning, PhaseHealthy, PhaseUnhealthy, PhaseStartingTimeout:
		return true
	}
	return false
}

// Decide returns whether an exited service gets a restart attempt. It is
// called once per exit, so each crash yields at most one attempt.
// maxRestarts bounds on-failure only; zero means unbounded.
func Decide(policy topology.RestartPolicy, reason state.ExitReason, exitCode, restarts, maxRestarts int) bool {
	if reason == state.ExitOperator {
		return false
	}
	switch policy {
	case topology.RestartAlways, topology.RestartUnlessStopped:
		return true
	case topology.RestartOnFailure:
		if exitCode == 0 && reason != state.ExitCrash {
			return false
		}
		return maxRestarts <= 0 || restarts < maxRestarts
	default:
		return false
	}
}

// Resumes reports whether a service that an operator stopped during an
// earlier run comes back on the next up. unless-stopped stays down.
func Resumes(policy topology.RestartPolicy) bool {
	return policy != topology.RestartUnlessStopped
}
