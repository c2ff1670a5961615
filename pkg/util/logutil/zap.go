package logutil

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic", zap.Reflect("recover", e))
	}
}

// ReportPanic recovers a panic and hands it to report as an error, so the goroutine carries on.
// The error message is prefixed with the formatted arguments.
// Commonly used with a `defer`.
func ReportPanic(report func(error), format string, args ...any) {
	if e := recover(); e != nil {
		report(errors.WithMessagef(PanicError(e), format, args...))
	}
}

// PanicError turns a recovered value into an error carrying the stack it was recovered on.
func PanicError(e any) error {
	if err, ok := e.(error); ok {
		return errors.WithStack(err)
	}
	return errors.Errorf("panic: %v", e)
}
