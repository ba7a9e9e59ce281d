package health

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

type Probe interface {
	Check(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "http probe")
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.Errorf("http probe: status %d", resp.StatusCode)
	}
	return nil
}

type TCPProbe struct {
	Address string
}

func (p TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return errors.Wrap(err, "tcp probe")
	}
	return conn.Close()
}

// commandWaitDelay bounds how long a cancelled probe may wait on its output
// pipes.
const commandWaitDelay = 500 * time.Millisecond

// CommandProbe succeeds when the command exits zero.
type CommandProbe struct {
	Argv []string
}

func (p CommandProbe) Check(ctx context.Context) error {
	if len(p.Argv) == 0 {
		return errors.New("empty probe command")
	}
	// #nosec G204 -- probe commands come from the topology manifest.
	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	// kill the whole group so a shell's children cannot hold the output
	// pipe open past the timeout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = commandWaitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return errors.Wrapf(err, "probe command %q: %s", strings.Join(p.Argv, " "), msg)
	}
	return nil
}

// FromSpec builds the probe for spec. wrap lets a runtime relocate command
// probes, for example into a container; nil runs them on the host.
func FromSpec(spec Spec, wrap func([]string) []string) (Probe, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Disabled {
		return nil, nil
	}
	if wrap == nil {
		wrap = func(argv []string) []string { return argv }
	}
	switch strings.ToUpper(spec.Test[0]) {
	case "HTTP":
		return HTTPProbe{URL: spec.Test[1]}, nil
	case "TCP":
		return TCPProbe{Address: spec.Test[1]}, nil
	case "CMD":
		return CommandProbe{Argv: wrap(spec.Test[1:])}, nil
	case "CMD-SHELL":
		return CommandProbe{Argv: wrap([]string{"/bin/sh", "-c", strings.Join(spec.Test[1:], " ")})}, nil
	}
	return nil, errors.Errorf("unknown health test kind %q", spec.Test[0])
}
