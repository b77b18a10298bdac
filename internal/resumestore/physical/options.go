package physical

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ConfigError describes an invalid backend setting.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Field, e.Value, e.Message)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Options wraps a backend config map with typed accessors. Each accessor
// records the backend name so errors point at the right section.
type Options struct {
	backend string
	values  map[string]string
}

// NewOptions binds a config map to a backend name.
func NewOptions(backend string, values map[string]string) Options {
	return Options{backend: backend, values: values}
}

func (o Options) raw(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok && v != ""
}

// Invalid builds a ConfigError for key.
func (o Options) Invalid(key, message string, cause error) *ConfigError {
	v, _ := o.raw(key)
	return &ConfigError{Backend: o.backend, Field: key, Value: v, Message: message, Cause: cause}
}

// String returns the value for key, or def when unset.
func (o Options) String(key, def string) string {
	if v, ok := o.raw(key); ok {
		return v
	}
	return def
}

// Required returns the value for key or a ConfigError when it is unset.
func (o Options) Required(key string) (string, error) {
	if v, ok := o.raw(key); ok {
		return v, nil
	}
	return "", &ConfigError{Backend: o.backend, Field: key, Message: "is required"}
}

// Bool accepts true/false, 1/0 and yes/no.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, o.Invalid(key, "must be a boolean", nil)
}

// Int parses a base-10 integer.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, o.Invalid(key, "must be an integer", err)
	}
	return n, nil
}

// Duration parses a Go duration string or a plain number of seconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, o.Invalid(key, "must be a duration (e.g. '5s') or integer seconds", nil)
}

// FileMode parses an octal permission string such as "0700".
func (o Options) FileMode(key string, def os.FileMode) (os.FileMode, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return 0, o.Invalid(key, "must be an octal permission string (e.g. 0700)", err)
	}
	return os.FileMode(n), nil
}

// Path returns the value for key with a leading ~ expanded.
func (o Options) Path(key, def string) string {
	return ExpandPath(o.String(key, def))
}

// ExpandPath expands ~ to the user's home directory and cleans the path.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
		return path
	}
	return filepath.Clean(path)
}
