package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// WithRecovery runs fn on its own goroutine; a panic is logged and swallowed
// so one chain's worker cannot take the process down.
func WithRecovery(fn func(), name string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("goroutine_panic_recovered",
					slog.String("worker_name", name),
					slog.String("error", fmt.Sprintf("%v", r)),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn()
	}()
}

func WithRecoveryNamed(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("named_panic_recovered",
				slog.String("worker_name", name),
				slog.String("error", fmt.Sprintf("%v", r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Name  string
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Name, e.Value)
}

// Guard runs fn synchronously and turns a panic into a *PanicError.
func Guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			slog.Error("guarded_panic_recovered",
				slog.String("worker_name", name),
				slog.String("error", fmt.Sprintf("%v", r)),
				slog.String("stack", stack),
			)
			err = &PanicError{Name: name, Value: r, Stack: stack}
		}
	}()
	return fn()
}
