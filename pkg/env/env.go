package env

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Reader reads typed settings from the environment. A variable that is set
// but does not parse is recorded and reported by Err instead of silently
// falling back to the default.
type Reader struct {
	lookup func(string) string
	errs   []error
}

// NewReader reads from the process environment
func NewReader() *Reader {
	return &Reader{lookup: os.Getenv}
}

// Err returns every parse failure seen so far, or nil
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}

func (r *Reader) invalid(key, value, kind string) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q is not a valid %s", key, value, kind))
}

// String returns the value of key, or def when unset
func (r *Reader) String(key, def string) string {
	if v := r.lookup(key); v != "" {
		return v
	}
	return def
}

// Secret prefers the file named by key_FILE (Docker secrets) over key itself
func (r *Reader) Secret(key, def string) string {
	if path := r.lookup(key + "_FILE"); path != "" {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s_FILE: %w", key, err))
			return def
		}
		return string(bytes.TrimSpace(content))
	}
	return r.String(key, def)
}

// Int returns key as an integer, or def when unset
func (r *Reader) Int(key string, def int) int {
	v := r.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid(key, v, "integer")
		return def
	}
	return n
}

// Bool returns key as a boolean, or def when unset
func (r *Reader) Bool(key string, def bool) bool {
	v := r.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(key, v, "boolean")
		return def
	}
	return b
}

// Duration returns key as a time.Duration ("90s", "2m"), or def when unset
func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	v := r.lookup(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid(key, v, "duration")
		return def
	}
	return d
}

// List splits a comma separated value, dropping empty entries
func (r *Reader) List(key, def string) []string {
	var out []string
	for _, part := range strings.Split(r.String(key, def), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
