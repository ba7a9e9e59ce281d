package state

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

const tailChunk = 8 << 10

// TailLines returns the last n lines of path. It reads backwards in chunks
// and never reads more than maxBytes; a line cut by that limit is dropped.
func TailLines(path string, n int, maxBytes int64) ([]string, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	if n <= 0 {
		n = 20
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	end := info.Size()
	floor := max(end-maxBytes, 0)
	var buf []byte
	pos := end
	for pos > floor && bytes.Count(buf, []byte{'\n'}) <= n {
		size := min(int64(tailChunk), pos-floor)
		pos -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		buf = append(chunk, buf...)
	}

	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	if len(buf) == 0 {
		return nil, nil
	}
	lines := bytes.Split(buf, []byte{'\n'})
	if pos > 0 && pos == floor && len(lines) > 0 {
		// the first line may start before the window
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out, nil
}
