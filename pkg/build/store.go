package build

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	manifestName = "manifest.json"
	rootfsName   = "rootfs"
)

// Store holds the last-known-good artifact per service.
type Store interface {
	Publish(a *Artifact, t Tree) error
	Current(service string) (*Artifact, error)
	RootFS(service string) string
}

// DiskStore lays artifacts out as <Root>/<service>/{manifest.json,rootfs/}.
// Publishing swaps whole directories so readers never see a partial artifact.
type DiskStore struct {
	Root string
}

func (s DiskStore) dir(service string) string {
	return filepath.Join(s.Root, service)
}

func (s DiskStore) RootFS(service string) string {
	return filepath.Join(s.dir(service), rootfsName)
}

func (s DiskStore) Publish(a *Artifact, t Tree) error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return errors.Wrap(err, "mkdir artifact root")
	}
	tmp, err := os.MkdirTemp(s.Root, ".tmp-"+a.Service+"-")
	if err != nil {
		return errors.Wrap(err, "create staging dir")
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	if err := t.WriteTo(filepath.Join(tmp, rootfsName)); err != nil {
		cleanup()
		return err
	}
	if err := os.MkdirAll(filepath.Join(tmp, rootfsName), 0o755); err != nil {
		cleanup()
		return errors.Wrap(err, "mkdir rootfs")
	}
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		cleanup()
		return errors.Wrap(err, "marshal manifest")
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestName), b, 0o644); err != nil {
		cleanup()
		return errors.Wrap(err, "write manifest")
	}

	final := s.dir(a.Service)
	var old string
	if _, err := os.Stat(final); err == nil {
		old = final + ".old-" + a.RunID
		if err := os.Rename(final, old); err != nil {
			cleanup()
			return errors.Wrap(err, "move previous artifact aside")
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		cleanup()
		return errors.Wrap(err, "publish artifact")
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func (s DiskStore) Current(service string) (*Artifact, error) {
	b, err := os.ReadFile(filepath.Join(s.dir(service), manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNoArtifact, service)
		}
		return nil, errors.Wrap(err, "read manifest")
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	return &a, nil
}
