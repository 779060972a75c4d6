// Package option implements a small keyed configuration lookup, grounded
// on wqsa-bget's Configuration struct (config.go) but generalized into
// the string-keyed map aria2's Option class uses, since the piece
// storage core's tunables (direct IO, file allocation mode, max open
// files) don't warrant their own struct fields on every consumer.
package option

import (
	"strconv"

	"github.com/pkg/errors"
)

// Keys recognized by the piece storage core.
const (
	EnableDirectIO = "enable-direct-io"
	FileAllocation = "file-allocation"
	MaxOpenFiles   = "bt-max-open-files"
)

// FileAllocation values.
const (
	AllocNone     = "none"
	AllocPrealloc = "prealloc"
	AllocFalloc   = "falloc"
)

// Option is a flat, string-keyed configuration table with typed
// accessors and documented defaults, mirroring how wqsa-bget's
// Configuration is populated from flags/config file before being passed
// down into long-lived components.
type Option struct {
	values map[string]string
}

// New returns an empty Option; every typed getter falls back to its
// documented default until a key is explicitly Set.
func New() *Option {
	return &Option{values: make(map[string]string)}
}

// Set stores key=value as a raw string.
func (o *Option) Set(key, value string) {
	o.values[key] = value
}

// GetBool returns key interpreted as a bool, defaulting to def if unset
// or unparseable.
func (o *Option) GetBool(key string, def bool) bool {
	v, ok := o.values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetString returns key's raw value, or def if unset.
func (o *Option) GetString(key, def string) string {
	v, ok := o.values[key]
	if !ok {
		return def
	}
	return v
}

// GetPositiveInt returns key interpreted as an int that must be > 0. An
// unset key yields def; a value that is not an integer, or is zero or
// less, yields def together with an error. This is the accessor
// bt-max-open-files uses.
func (o *Option) GetPositiveInt(key string, def int) (int, error) {
	v, ok := o.values[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.Wrapf(err, "option %q: not an integer", key)
	}
	if n <= 0 {
		return def, errors.Errorf("option %q: must be positive, got %d", key, n)
	}
	return n, nil
}
