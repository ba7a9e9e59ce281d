// Package state persists the supervisor's view of a running topology so that
// other stackctl invocations can inspect it.
package state

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultDirName = ".stackctl"
	StateFilename  = "state.json"
	LogsDirName    = "logs"
	ArtifactsDir   = "artifacts"
	SocketName     = "control.sock"
)

type State struct {
	Project   string          `json:"project"`
	Mode      string          `json:"mode"`
	Runtime   string          `json:"runtime"`
	RepoRoot  string          `json:"repo_root"`
	Socket    string          `json:"socket,omitempty"`
	PID       int             `json:"pid"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Services  []ServiceRecord `json:"services"`
}

type ServiceRecord struct {
	Name            string            `json:"name"`
	PID             int               `json:"pid,omitempty"`
	Phase           string            `json:"phase"`
	Health          string            `json:"health,omitempty"`
	HealthFailures  int               `json:"health_failures,omitempty"`
	Restart         string            `json:"restart"`
	Restarts        int               `json:"restarts"`
	OperatorStopped bool              `json:"operator_stopped,omitempty"`
	Argv            []string          `json:"argv"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Ports           []string          `json:"ports,omitempty"`
	Artifact        string            `json:"artifact,omitempty"`
	StdoutLog       string            `json:"stdout_log"`
	StderrLog       string            `json:"stderr_log"`
	StartedAt       time.Time         `json:"started_at,omitempty"`
	LastExit        *ExitInfo         `json:"last_exit,omitempty"`
}

func (s *State) Service(name string) (*ServiceRecord, bool) {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i], true
		}
	}
	return nil, false
}

func StatePath(stateDir string) string {
	return filepath.Join(stateDir, StateFilename)
}

func LogsDir(stateDir string) string {
	return filepath.Join(stateDir, LogsDirName)
}

func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, SocketName)
}

func Load(stateDir string) (*State, error) {
	b, err := os.ReadFile(StatePath(stateDir))
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return &s, nil
}

// Save replaces the state file atomically.
func Save(stateDir string, s *State) error {
	if s == nil {
		return errors.New("nil state")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	tmp, err := os.CreateTemp(stateDir, ".state-*.json")
	if err != nil {
		return errors.Wrap(err, "create temp state")
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write state")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close state")
	}
	if err := os.Rename(tmp.Name(), StatePath(stateDir)); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "replace state")
	}
	return nil
}

func Remove(stateDir string) error {
	if err := os.Remove(StatePath(stateDir)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove state")
	}
	return nil
}

func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return stderrors.Is(err, syscall.EPERM)
}

func isZombie(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// pid (comm) state ...
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return false
	}
	fields := bytes.Fields(bytes.TrimSpace(b[i+1:]))
	if len(fields) < 1 || len(fields[0]) < 1 {
		return false
	}
	return fields[0][0] == 'Z'
}
