package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// InitSentry initializes Sentry crash reporting. It is opt-in: enabled by the
// user setting or CARD_AGENT_SENTRY=1, and it needs a DSN from
// CARD_AGENT_SENTRY_DSN. Returns true when reporting is active.
func InitSentry(version string, crashReportingEnabled bool) bool {
	enabled := crashReportingEnabled
	switch os.Getenv("CARD_AGENT_SENTRY") {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	if !enabled {
		return false
	}

	dsn := os.Getenv("CARD_AGENT_SENTRY_DSN")
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled but CARD_AGENT_SENTRY_DSN is not set", nil)
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "card-agent@" + version,
		Environment:      environment(),
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
		BeforeSend:       scrubKeys,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

func environment() string {
	if env := os.Getenv("CARD_AGENT_ENVIRONMENT"); env != "" {
		return env
	}
	return "production"
}

// scrubKeys drops extras that could carry MIFARE key material.
func scrubKeys(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	for k := range event.Extra {
		switch k {
		case "key", "currentKey", "newKeyA", "newKeyB":
			delete(event.Extra, k)
		}
	}
	return event
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry flushes buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a recovered panic with its stack trace.
func CapturePanic(panicValue any, stack []byte, context string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		switch v := panicValue.(type) {
		case error:
			sentry.CaptureException(v)
		case string:
			sentry.CaptureMessage(v)
		default:
			sentry.CaptureMessage(fmt.Sprintf("%v", v))
		}
	})

	// the process may be about to die
	sentry.Flush(2 * time.Second)
}

// CaptureError reports an unexpected (non-transient) card failure.
func CaptureError(err error, context string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
