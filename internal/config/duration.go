package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldError reports a config value that failed to parse. Path is the dotted
// section path, e.g. "send_queue.retry_delay".
type FieldError struct {
	Path string
	Raw  string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %q: %v", e.Path, e.Raw, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a Go duration string. Empty means zero, which
// components read as "use the default".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &FieldError{Path: path, Raw: raw, Err: err}
	}
	if d < 0 {
		return 0, &FieldError{Path: path, Raw: raw, Err: fmt.Errorf("negative duration")}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
