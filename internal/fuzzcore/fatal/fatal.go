// Package fatal provides the single abort-with-diagnostics path for
// invariant violations that spec.md §7 classifies as fatal: these are
// logic bugs in this process (scratch sizing, index desync, arithmetic out
// of range), not recoverable user-facing errors, and are never caught and
// "handled" anywhere except at a process's main boundary.
package fatal

import (
	"fmt"
	"log/slog"
)

// Error is the typed panic value raised by Fatal. Callers that recover it
// (only ever at a main boundary) should print Error() and exit non-zero,
// not attempt to continue.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// Fatal logs a structured diagnostic via slog and panics with a *Error
// carrying the formatted message. It never returns.
func Fatal(logger *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	if logger != nil {
		logger.Error("fatal invariant violation", slog.String("detail", msg))
	}

	panic(&Error{msg: msg})
}

// Recover is a deferred helper for a process main(): if the recovered
// value is a *Error, it returns (msg, true); any other panic value is
// re-panicked, since only Fatal's own invariant-violation panics are meant
// to be caught here.
func Recover() (msg string, ok bool) {
	r := recover()
	if r == nil {
		return "", false
	}

	fe, isFatal := r.(*Error)
	if !isFatal {
		panic(r)
	}

	return fe.Error(), true
}
