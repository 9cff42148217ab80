package accesslog

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the flat key/value configuration handed to a backend factory.
type Config map[string]string

// String returns the value for key, or def when missing or empty.
func (c Config) String(key, def string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses the value for key as an integer.
func (c Config) Int(backend, key string, def int) (int, error) {
	v, ok := c[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Backend: backend, Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// Duration parses the value for key as a Go duration or integer seconds.
func (c Config) Duration(backend, key string, def time.Duration) (time.Duration, error) {
	v, ok := c[key]
	if !ok || v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{
		Backend: backend,
		Field:   key,
		Value:   v,
		Message: "must be a duration (e.g., '5s', '1m30s') or integer seconds",
	}
}

// Merge returns a new Config with overrides applied on top of c.
func (c Config) Merge(overrides map[string]string) Config {
	out := make(Config, len(c)+len(overrides))
	maps.Copy(out, c)
	maps.Copy(out, overrides)
	return out
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Clean(path)
}
