package sentryx

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	initOnce sync.Once
	enabled  bool
)

// Init wires up Sentry if SENTRY_DSN is set. It is a no-op otherwise — error
// reporting is always optional, never a hard dependency for correctness.
func Init(service string) {
	initOnce.Do(func() {
		dsn := os.Getenv("SENTRY_DSN")
		if dsn == "" {
			return
		}

		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("GATEWAY_ENV", "unknown"),
			ServerName:       service,
			AttachStacktrace: true,
		}); err != nil {
			return
		}
		enabled = true
	})
}

func CaptureError(err error, message string, args ...any) {
	if !enabled {
		return
	}
	if err == nil {
		return
	}

	msg := message
	if len(args) > 0 {
		msg = fmt.Sprintf(message, args...)
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		if msg != "" {
			scope.SetTag("log_message", msg)
		}
		sentry.CaptureException(err)
	})
}

func CaptureMessage(level sentry.Level, message string, args ...any) {
	if !enabled {
		return
	}
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		sentry.CaptureMessage(message)
	})
}

func RecoverPanicAndCapture() {
	if !enabled {
		return
	}
	if rec := recover(); rec != nil {
		sentry.CurrentHub().Recover(rec)
		sentry.Flush(2 * time.Second)
		panic(rec)
	}
}

func Flush(timeout time.Duration) {
	if !enabled {
		return
	}
	sentry.Flush(timeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
