package observability

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by Guard when the guarded function panicked
type PanicError struct {
	Name  string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Guard runs fn and turns a panic into a *PanicError, logging the stack.
// Background jobs and watchers run under Guard so one bad run does not take
// the daemon down.
func Guard(logger *Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).
				WithField("stack", string(debug.Stack())).
				WithField("component", name).
				Error("panic recovered")
			err = &PanicError{Name: name, Value: r}
		}
	}()
	return fn()
}
