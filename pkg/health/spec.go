package health

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultRetries  = 3
)

// Spec describes a periodic probe. Test uses compose forms: CMD, CMD-SHELL and
// NONE, plus HTTP <url> and TCP <host:port>.
type Spec struct {
	Test        []string      `json:"test" yaml:"test"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Retries     int           `json:"retries" yaml:"retries"`
	StartPeriod time.Duration `json:"start_period" yaml:"start_period"`
	Disabled    bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

func (s Spec) WithDefaults() Spec {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Retries <= 0 {
		s.Retries = DefaultRetries
	}
	if len(s.Test) > 0 && strings.EqualFold(s.Test[0], "NONE") {
		s.Disabled = true
	}
	return s
}

func (s Spec) Validate() error {
	if s.Disabled {
		return nil
	}
	if len(s.Test) < 2 {
		return errors.Errorf("health test %q needs a kind and a target", strings.Join(s.Test, " "))
	}
	switch strings.ToUpper(s.Test[0]) {
	case "CMD", "CMD-SHELL", "HTTP", "TCP":
		return nil
	default:
		return errors.Errorf("unknown health test kind %q", s.Test[0])
	}
}
