// Package msgrelay wires together the directory, protocol, and delivery
// packages into a runnable server, with the lifecycle/logging/config
// ambient stack around it.
package msgrelay

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for msgrelay. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The address to listen on.
	Addr string `env:"MSGRELAY_ADDR=:1337"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"MSGRELAY_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"MSGRELAY_LOG_STDOUT=true"`

	// Whether to use pretty logs.
	LogStdoutPretty bool `env:"MSGRELAY_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"MSGRELAY_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"MSGRELAY_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"MSGRELAY_LOG_FILE_LEVEL=info"`

	// The bound on the dial and every token write of an outbound push.
	PushTimeout time.Duration `env:"MSGRELAY_PUSH_TIMEOUT=2s"`

	// How long to wait for in-flight handlers to finish on shutdown before
	// the directory is released regardless.
	ShutdownGrace time.Duration `env:"MSGRELAY_SHUTDOWN_GRACE=5s"`

	// The address for the debug metrics HTTP listener. If empty, no
	// metrics listener is started.
	MetricsAddr string `env:"MSGRELAY_METRICS_ADDR"`
}

// UnmarshalEnv parses environment-variable assignments (as from
// envparse.Parse) into c. If incremental is true, only variables present
// in es are applied; fields whose variable is absent keep their current
// value rather than reverting to the default.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "MSGRELAY_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
