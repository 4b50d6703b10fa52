package kernel

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// PanicError is returned in place of a result when recovered code panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}

func recovered(logger Logger, operation string, r any) *PanicError {
	stack := string(debug.Stack())
	if logger != nil {
		logger.Error("panic_recovered",
			"operation", operation,
			"panic", r,
			"stack", stack,
		)
	}
	return &PanicError{Operation: operation, Value: r, Stack: stack}
}

// SafeExecute runs fn, converting a panic into a *PanicError.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(logger, operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult runs fn, converting a panic into a *PanicError and
// the zero value of T.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = recovered(logger, operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine. A panic is logged and handed to onPanic.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(err *PanicError)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p := recovered(logger, operation, r)
				if onPanic != nil {
					onPanic(p)
				}
			}
		}()
		fn()
	}()
}
