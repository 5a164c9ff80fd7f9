package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// ErrInvalidExtra is returned when a plugin setting in Config.Extra has a
// value that cannot be converted to the expected type.
var ErrInvalidExtra = errors.New("broker: invalid plugin setting")

// Config holds broker-agnostic bootstrap configuration.
// Transport plugins extract the fields they need.
type Config struct {
	// URL selects the transport by scheme (amqp, amqps, nats, kafka,
	// redis, rediss, sqs) and carries its address and credentials.
	URL string

	// Queue is the queue, subject or topic to bind to.
	Queue string

	// MessageTTL, when positive, asks the broker to expire messages that
	// wait longer than this. Plugins without TTL support ignore it.
	MessageTTL time.Duration

	// Extra holds plugin-specific configuration.
	Extra map[string]any
}

// Extras decodes plugin settings from Config.Extra. Values set in code
// arrive typed, values from YAML or the environment usually as strings;
// both are converted with cast. The first failure is kept for Err.
type Extras struct {
	m   map[string]any
	err error
}

// Extras returns a decoder over c.Extra.
func (c Config) Extras() *Extras {
	return &Extras{m: c.Extra}
}

// String calls set with the string value of key, if present.
func (e *Extras) String(key string, set func(string)) { decode(e, key, cast.ToStringE, set) }

// Int calls set with the integer value of key, if present.
func (e *Extras) Int(key string, set func(int)) { decode(e, key, cast.ToIntE, set) }

// Bool calls set with the boolean value of key, if present.
func (e *Extras) Bool(key string, set func(bool)) { decode(e, key, cast.ToBoolE, set) }

// Duration calls set with the duration value of key, if present. Strings
// use time.ParseDuration syntax such as "250ms".
func (e *Extras) Duration(key string, set func(time.Duration)) {
	decode(e, key, cast.ToDurationE, set)
}

// Err returns the first conversion failure, wrapping ErrInvalidExtra.
func (e *Extras) Err() error { return e.err }

func decode[T any](e *Extras, key string, conv func(any) (T, error), set func(T)) {
	raw, ok := e.m[key]
	if !ok || e.err != nil {
		return
	}
	v, err := conv(raw)
	if err != nil {
		e.err = fmt.Errorf("%w: %q: %v", ErrInvalidExtra, key, err)
		return
	}
	set(v)
}
