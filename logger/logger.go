// Package logger builds the gateway's structured logger.
//
// Every component logs through LogHarbour. This package owns the one-time
// setup: a logger context at the default priority and a fallback writer so
// log delivery failures degrade to stdout instead of being lost.
package logger

import (
	"io"
	"os"

	"github.com/remiges-tech/logharbour/logharbour"
)

// New returns a LogHarbour logger for the given application name, writing
// entries to w. A nil w logs to stdout.
func New(appName string, w io.Writer) *logharbour.Logger {
	if w == nil {
		w = os.Stdout
	}
	fallbackWriter := logharbour.NewFallbackWriter(w, os.Stdout)
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, appName, fallbackWriter)
}
