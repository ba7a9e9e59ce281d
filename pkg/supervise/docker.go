package supervise

import (
	"bytes"
	"context"
	"io/fs"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/stackctl/pkg/engine"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DockerRuntime drives the docker CLI. Each service is one foreground
// `docker run --rm` process so the supervisor sees its exit directly.
type DockerRuntime struct {
	Binary string
	// run executes a one-shot docker command; tests replace it.
	run func(ctx context.Context, argv []string) ([]byte, error)

	created []string
}

var _ Runtime = (*DockerRuntime)(nil)

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Binary: "docker", run: runCombined}
}

func runCombined(ctx context.Context, argv []string) ([]byte, error) {
	// #nosec G204 -- docker arguments are derived from the topology manifest.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

func (r *DockerRuntime) Name() string { return "docker" }

func ContainerName(project, service string) string {
	return project + "-" + service
}

func networkName(plan engine.LaunchPlan, key string) string {
	if n, ok := plan.Networks[key]; ok && n.Name != "" {
		return n.Name
	}
	return plan.Project + "_" + key
}

func volumeName(plan engine.LaunchPlan, key string) string {
	if v, ok := plan.Volumes[key]; ok && v.Name != "" {
		return v.Name
	}
	return plan.Project + "_" + key
}

// Prepare creates the plan's non-external networks and named volumes.
// Both calls tolerate objects that already exist.
func (r *DockerRuntime) Prepare(ctx context.Context, plan engine.LaunchPlan) error {
	keys := make([]string, 0, len(plan.Networks))
	for k := range plan.Networks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		n := plan.Networks[k]
		if n.External {
			continue
		}
		name := networkName(plan, k)
		argv := []string{r.Binary, "network", "create"}
		if n.Internal {
			argv = append(argv, "--internal")
		}
		argv = append(argv, name)
		if out, err := r.run(ctx, argv); err != nil {
			if !strings.Contains(string(out), "already exists") {
				return errors.Wrapf(err, "create network %s: %s", name, strings.TrimSpace(string(out)))
			}
		} else {
			r.created = append(r.created, name)
		}
	}

	keys = keys[:0]
	for k := range plan.Volumes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if plan.Volumes[k].External {
			continue
		}
		name := volumeName(plan, k)
		if out, err := r.run(ctx, []string{r.Binary, "volume", "create", name}); err != nil {
			return errors.Wrapf(err, "create volume %s: %s", name, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (r *DockerRuntime) Command(plan engine.LaunchPlan, svc engine.ServiceSpec) (Launch, error) {
	if svc.Image == "" {
		return Launch{}, errors.Errorf("service %q has no image", svc.Name)
	}
	argv := []string{r.Binary, "run", "--rm", "--name", ContainerName(plan.Project, svc.Name)}
	for _, n := range svc.Networks {
		argv = append(argv, "--network", networkName(plan, n), "--network-alias", svc.Name)
	}
	for _, p := range svc.Ports {
		argv = append(argv, "-p", portFlag(p))
	}

	env := map[string]string{}
	for k, v := range svc.Env {
		env[k] = v
	}

	for _, m := range svc.Mounts {
		switch m.Kind {
		case topology.MountVolume:
			argv = append(argv, "-v", mountFlag(volumeName(plan, m.Source), m.Target, m.ReadOnly))
		case topology.MountBind:
			argv = append(argv, "-v", mountFlag(m.Source, m.Target, m.ReadOnly))
		case topology.MountTmpfs:
			argv = append(argv, "--tmpfs", m.Target)
		}
	}
	if svc.Artifact != nil {
		mounts, err := artifactMounts(svc.Artifact.RootFS, svc.WorkDir)
		if err != nil {
			return Launch{}, err
		}
		for _, m := range mounts {
			argv = append(argv, "-v", m)
		}
	}
	if svc.Config != nil {
		argv = append(argv, "-v", mountFlag(svc.Config.HostPath, svc.Config.Target, true))
		env[engine.ConfigEnv] = svc.Config.Target
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "-e", k+"="+env[k])
	}
	if svc.WorkDir != "" {
		argv = append(argv, "-w", svc.WorkDir)
	}

	// Only an explicit entrypoint replaces the image's own.
	rest := svc.Command
	if len(svc.Entrypoint) > 0 {
		argv = append(argv, "--entrypoint", svc.Entrypoint[0])
		rest = append(append([]string{}, svc.Entrypoint[1:]...), svc.Command...)
	}
	argv = append(argv, svc.Image)
	argv = append(argv, rest...)
	return Launch{Argv: argv}, nil
}

func portFlag(p topology.PortMapping) string {
	s := strconv.Itoa(p.Internal)
	if p.Published > 0 {
		s = strconv.Itoa(p.Published) + ":" + s
		if p.HostIP != "" {
			s = p.HostIP + ":" + s
		}
	}
	if p.Protocol != "" && p.Protocol != "tcp" {
		s += "/" + p.Protocol
	}
	return s
}

func mountFlag(source, target string, ro bool) string {
	s := source + ":" + target
	if ro {
		s += ":ro"
	}
	return s
}

// artifactMounts overlays a built root filesystem onto the base image. The
// working directory is mounted whole; files elsewhere are mounted one by one
// so base image directories stay visible.
func artifactMounts(rootfs, workdir string) ([]string, error) {
	var out []string
	wd := path.Clean("/" + workdir)
	if wd != "/" {
		out = append(out, mountFlag(filepath.Join(rootfs, filepath.FromSlash(wd)), wd, false))
	}
	err := filepath.WalkDir(rootfs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootfs, p)
		if err != nil {
			return err
		}
		target := path.Clean("/" + filepath.ToSlash(rel))
		if wd != "/" && (target == wd || strings.HasPrefix(target, wd+"/")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		out = append(out, mountFlag(p, target, true))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk artifact rootfs")
	}
	return out, nil
}

func (r *DockerRuntime) ProbeCommand(plan engine.LaunchPlan, svc engine.ServiceSpec) func([]string) []string {
	name := ContainerName(plan.Project, svc.Name)
	return func(argv []string) []string {
		return append([]string{r.Binary, "exec", name}, argv...)
	}
}

func (r *DockerRuntime) StopCommand(plan engine.LaunchPlan, svc engine.ServiceSpec, grace time.Duration) []string {
	secs := int(grace.Round(time.Second) / time.Second)
	return []string{r.Binary, "stop", "-t", strconv.Itoa(secs), ContainerName(plan.Project, svc.Name)}
}

// Teardown removes networks created by Prepare. Volumes persist across runs.
func (r *DockerRuntime) Teardown(ctx context.Context, _ engine.LaunchPlan) error {
	var lastErr error
	for i := len(r.created) - 1; i >= 0; i-- {
		name := r.created[i]
		if out, err := r.run(ctx, []string{r.Binary, "network", "rm", name}); err != nil {
			log.Warn().Str("network", name).Str("output", strings.TrimSpace(string(out))).Err(err).Msg("network removal failed")
			lastErr = errors.Wrapf(err, "remove network %s", name)
		}
	}
	r.created = nil
	return lastErr
}
