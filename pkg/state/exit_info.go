package state

import (
	"time"
)

type ExitReason string

const (
	ExitCrash    ExitReason = "crash"
	ExitClean    ExitReason = "exit"
	ExitOperator ExitReason = "operator"
)

type ExitInfo struct {
	Service   string     `json:"service"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  time.Time  `json:"exited_at"`
	Reason    ExitReason `json:"reason"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`

	StderrTail []string `json:"stderr_tail,omitempty"`
}

func (e *ExitInfo) Code() int {
	if e == nil || e.ExitCode == nil {
		return -1
	}
	return *e.ExitCode
}
