package settings

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const BaseName = "default"

var (
	ErrBaseNotFound    = errors.New("base configuration document not found")
	ErrOverlayNotFound = errors.New("overlay configuration document not found")
)

var extensions = []string{".json", ".yaml", ".yml", ".toml"}

// Loader reads default.<ext> and <mode>.<ext> from Dir.
type Loader struct {
	Dir string
}

// Bundle is the resolved configuration for one process invocation.
type Bundle struct {
	Mode        Mode
	BasePath    string
	OverlayPath string
	Base        Document
	Overlay     Document
	Resolved    Document
}

func (l Loader) Load(mode Mode) (*Bundle, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	basePath, err := l.find(BaseName)
	if err != nil {
		return nil, errors.Wrapf(ErrBaseNotFound, "%s in %s", BaseName, l.Dir)
	}
	overlayPath, err := l.find(string(mode))
	if err != nil {
		return nil, errors.Wrapf(ErrOverlayNotFound, "mode %q in %s", mode, l.Dir)
	}
	base, err := ReadDocument(basePath)
	if err != nil {
		return nil, err
	}
	overlay, err := ReadDocument(overlayPath)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Mode:        mode,
		BasePath:    basePath,
		OverlayPath: overlayPath,
		Base:        base,
		Overlay:     overlay,
		Resolved:    Resolve(base, overlay),
	}, nil
}

// Modes lists the overlays present in Dir.
func (l Loader) Modes() ([]Mode, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "read settings dir")
	}
	seen := map[Mode]struct{}{}
	var out []Mode
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !knownExt(ext) {
			continue
		}
		name := e.Name()[:len(e.Name())-len(ext)]
		if name == BaseName {
			continue
		}
		m, err := ParseMode(name)
		if err != nil {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

func (l Loader) find(name string) (string, error) {
	for _, ext := range extensions {
		p := filepath.Join(l.Dir, name+ext)
		st, err := os.Stat(p)
		if err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", os.ErrNotExist
}

func knownExt(ext string) bool {
	for _, e := range extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Resolve is the single merge point between a base document and its overlay.
func Resolve(base, overlay Document) Document {
	return Merge(base, overlay)
}

func ReadDocument(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read settings document")
	}
	doc, err := DecodeDocument(filepath.Ext(path), b)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return doc, nil
}

func DecodeDocument(ext string, b []byte) (Document, error) {
	raw := map[string]any{}
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(b), &raw); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported settings format %q", ext)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return normalize(raw).(map[string]any), nil
}

// Files returns the two source documents of the bundle.
func (b *Bundle) Files() []string {
	return []string{b.BasePath, b.OverlayPath}
}

func (b *Bundle) Get(dotted string) (any, bool) {
	return Get(b.Resolved, dotted)
}

func (b *Bundle) String(dotted string) (string, bool) {
	v, ok := b.Get(dotted)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func (b *Bundle) Int(dotted string) (int, bool) {
	v, ok := b.Get(dotted)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(t)
		return i, err == nil
	default:
		return 0, false
	}
}

func (b *Bundle) Bool(dotted string) (bool, bool) {
	v, ok := b.Get(dotted)
	if !ok {
		return false, false
	}
	bv, ok := v.(bool)
	return bv, ok
}
