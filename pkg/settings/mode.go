package settings

import (
	"regexp"

	"github.com/pkg/errors"
)

// Mode selects the overlay document merged over the base configuration.
type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

const DefaultModeEnv = "RUN_MODE"

var ErrModeUnset = errors.New("runtime mode is not set")

var modePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func ParseMode(s string) (Mode, error) {
	if s == "" {
		return "", ErrModeUnset
	}
	if !modePattern.MatchString(s) {
		return "", errors.Errorf("invalid runtime mode %q", s)
	}
	return Mode(s), nil
}

// ModeFromLookup reads the selector variable through lookup. An absent or empty
// variable is an error; there is no implicit default mode.
func ModeFromLookup(name string, lookup func(string) (string, bool)) (Mode, error) {
	if name == "" {
		name = DefaultModeEnv
	}
	v, ok := lookup(name)
	if !ok || v == "" {
		return "", errors.Wrapf(ErrModeUnset, "%s", name)
	}
	return ParseMode(v)
}

func (m Mode) String() string { return string(m) }
