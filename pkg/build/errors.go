package build

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrConfigNotStaged = errors.New("configuration file not staged in artifact")
	ErrNoArtifact      = errors.New("no artifact published")
)

// CopyError reports a copy source missing from its build context or stage.
type CopyError struct {
	Stage  string
	Line   int
	Source string
	From   string
	Err    error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("stage %s line %d: copy %q from %s: %v", e.Stage, e.Line, e.Source, e.From, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// StepError reports a failed RUN step.
type StepError struct {
	Stage    string
	Line     int
	Argv     []string
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("stage %s line %d: %s: exit %d: %v", e.Stage, e.Line, strings.Join(e.Argv, " "), e.ExitCode, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
