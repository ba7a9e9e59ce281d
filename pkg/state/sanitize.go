package state

import (
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// secretMarkers flag variables whose whole value is a credential.
var secretMarkers = []string{"PASSWORD", "PASSWD", "SECRET", "TOKEN", "KEY", "CREDENTIAL", "PRIVATE", "PASSPHRASE", "CERT", "AUTH"}

// SanitizeEnv returns a copy of env fit for state.json. Credential variables
// are replaced; connection strings keep their host and database but lose the
// password.
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		switch {
		case isSecretKey(k):
			out[k] = redactedValue
		case strings.Contains(v, "://"):
			out[k] = redactURL(v)
		default:
			out[k] = v
		}
	}
	return out
}

func isSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, m := range secretMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// redactURL masks the password of a URL's userinfo. Values that do not parse
// are redacted entirely.
func redactURL(v string) string {
	u, err := url.Parse(v)
	if err != nil {
		return redactedValue
	}
	if u.User == nil {
		return v
	}
	if _, ok := u.User.Password(); !ok {
		return v
	}
	return u.Redacted()
}
