// Package securelog is the process logger. Error logs never carry user
// data: only the call site and the chain of error types. Structured events
// should carry ids, counts and durations, never message content.
package securelog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Fields map[string]any

type Options struct {
	Level  string
	Pretty bool
	Output io.Writer
}

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	current.Store(&l)
}

// Setup replaces the process logger.
func Setup(opts Options) error {
	level := zerolog.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	SetLogger(zerolog.New(out).Level(level).With().Timestamp().Logger())
	return nil
}

func SetLogger(l zerolog.Logger) {
	current.Store(&l)
}

func Logger() *zerolog.Logger {
	return current.Load()
}

// Error logs an error without including user-provided data.
// It records the caller location and error type chain.
func Error(context string, err error) {
	if err == nil {
		return
	}
	ev := Logger().Error().
		Str("at", callerLocation(2)).
		Str("types", strings.Join(errorTypes(err), "->"))
	if context != "" {
		ev = ev.Str("context", context)
	}
	ev.Msg("error")
}

func Info(event string, fields Fields) {
	Logger().Info().Fields(map[string]any(fields)).Msg(event)
}

func Warn(event string, fields Fields) {
	Logger().Warn().Fields(map[string]any(fields)).Msg(event)
}

func Debug(event string, fields Fields) {
	Logger().Debug().Fields(map[string]any(fields)).Msg(event)
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
