// Package monitoring reports faults that have nowhere else to go: they are
// logged with any goerr values attached and, when a DSN is configured, sent
// to Sentry.
package monitoring

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Init configures Sentry. Without a DSN every capture is a no-op.
func Init(cfg Config, logger *slog.Logger) error {
	if cfg.DSN == "" {
		logger.Info("Sentry DSN not configured, error reporting disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Request != nil && event.Request.Headers != nil {
				delete(event.Request.Headers, "Authorization")
				delete(event.Request.Headers, "Cookie")
				delete(event.Request.Headers, "X-Coach-Id")
			}
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}

	logger.Info("Sentry initialized", "environment", cfg.Environment)
	return nil
}

// Flush waits up to timeout for queued events to be sent
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// ErrorAttrs returns slog key/value pairs for err, including goerr values
// when err carries any
func ErrorAttrs(err error) []any {
	attrs := []any{"error", err.Error()}
	var ge *goerr.Error
	if errors.As(err, &ge) {
		if values := ge.Values(); len(values) > 0 {
			attrs = append(attrs, "values", values)
		}
	}
	return attrs
}

// Report logs err at error level and captures it in Sentry with args as
// extra context. args are slog-style key/value pairs.
func Report(logger *slog.Logger, msg string, err error, args ...any) {
	if err == nil {
		return
	}

	logger.Error(msg, append(ErrorAttrs(err), args...)...)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("message", msg)
		extras := make(map[string]any)
		for i := 0; i+1 < len(args); i += 2 {
			if key, ok := args[i].(string); ok {
				extras[key] = args[i+1]
			}
		}
		var ge *goerr.Error
		if errors.As(err, &ge) {
			for k, v := range ge.Values() {
				extras[k] = v
			}
		}
		scope.SetContext("details", sentry.Context(extras))
		sentry.CaptureException(err)
	})
}

// Recover reports a panic in the current goroutine instead of crashing the
// process. Use it as a deferred call.
func Recover(logger *slog.Logger, msg string) {
	if r := recover(); r != nil {
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", r)
		}
		Report(logger, msg, err)
	}
}
