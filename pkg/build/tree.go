package build

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type File struct {
	Data []byte
	Mode fs.FileMode
}

// Tree is a stage filesystem keyed by clean absolute slash paths. Directories
// are implicit.
type Tree map[string]File

func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = File{Data: append([]byte(nil), v.Data...), Mode: v.Mode}
	}
	return out
}

func (t Tree) Paths() []string {
	out := make([]string, 0, len(t))
	for p := range t {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Under returns files below dir keyed by their path relative to dir.
func (t Tree) Under(dir string) map[string]File {
	dir = strings.TrimSuffix(dir, "/")
	prefix := dir + "/"
	if dir == "" {
		prefix = "/"
	}
	out := map[string]File{}
	for p, f := range t {
		if strings.HasPrefix(p, prefix) {
			out[strings.TrimPrefix(p, prefix)] = f
		}
	}
	return out
}

// WriteTo materialises the tree below root on the local filesystem.
func (t Tree) WriteTo(root string) error {
	for _, p := range t.Paths() {
		f := t[p]
		dst := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrap(err, "mkdir")
		}
		mode := f.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, f.Data, mode); err != nil {
			return errors.Wrap(err, "write file")
		}
		if err := os.Chmod(dst, mode); err != nil {
			return errors.Wrap(err, "chmod")
		}
	}
	return nil
}

// ReadTree loads every regular file below root.
func ReadTree(root string) (Tree, error) {
	out := Tree{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out["/"+filepath.ToSlash(rel)] = File{Data: b, Mode: info.Mode().Perm()}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read tree")
	}
	return out, nil
}

type source interface {
	// match returns the files selected by pattern keyed by their name relative
	// to the copy destination, and whether the destination must be a directory.
	match(pattern string) (map[string]File, bool, error)
	describe() string
}

var errNoMatch = errors.New("no such file or directory")

type contextSource struct {
	fsys fs.FS
}

func (c contextSource) describe() string { return "build context" }

func (c contextSource) match(pattern string) (map[string]File, bool, error) {
	p := path.Clean(strings.TrimPrefix(pattern, "/"))
	if p == ".." || strings.HasPrefix(p, "../") {
		return nil, false, errors.Errorf("%q is outside the build context", pattern)
	}
	matches := []string{p}
	if hasMeta(p) {
		var err error
		matches, err = fs.Glob(c.fsys, p)
		if err != nil {
			return nil, false, err
		}
		if len(matches) == 0 {
			return nil, false, errNoMatch
		}
	}
	out := map[string]File{}
	isDir := len(matches) > 1
	for _, m := range matches {
		st, err := fs.Stat(c.fsys, m)
		if err != nil {
			return nil, false, errNoMatch
		}
		if !st.IsDir() {
			b, err := fs.ReadFile(c.fsys, m)
			if err != nil {
				return nil, false, err
			}
			out[path.Base(m)] = File{Data: b, Mode: st.Mode().Perm()}
			continue
		}
		isDir = true
		err = fs.WalkDir(c.fsys, m, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			b, err := fs.ReadFile(c.fsys, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(p, m), "/")
			if m == "." {
				rel = p
			}
			out[rel] = File{Data: b, Mode: info.Mode().Perm()}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
	}
	return out, isDir, nil
}

type stageSource struct {
	name    string
	workdir string
	tree    Tree
}

func (s stageSource) describe() string { return "stage " + s.name }

func (s stageSource) match(pattern string) (map[string]File, bool, error) {
	p := pattern
	if !path.IsAbs(p) {
		p = path.Join(s.workdir, p)
	}
	p = path.Clean(p)
	if hasMeta(p) {
		out := map[string]File{}
		for _, k := range s.tree.Paths() {
			if ok, _ := path.Match(p, k); ok {
				out[path.Base(k)] = s.tree[k]
			}
		}
		if len(out) == 0 {
			return nil, false, errNoMatch
		}
		return out, len(out) > 1, nil
	}
	if f, ok := s.tree[p]; ok {
		return map[string]File{path.Base(p): f}, false, nil
	}
	under := s.tree.Under(p)
	if len(under) == 0 {
		return nil, false, errNoMatch
	}
	return under, true, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[")
}
