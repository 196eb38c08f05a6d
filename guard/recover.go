package guard

import (
	"runtime/debug"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// Recover reports a panic on the calling goroutine to onPanic and then
// resumes it. Defer it first thing in a background goroutine:
//
//	go func() {
//	    defer guard.Recover(onPanic)
//	    ...
//	}()
//
// onPanic receives a PANIC error carrying the stack; it may be nil.
func Recover(onPanic func(error)) {
	r := recover()
	if r == nil {
		return
	}
	if onPanic != nil {
		onPanic(perrors.RecoverPanic(r, perrors.WithMetadata("stack", string(debug.Stack()))))
	}
	panic(r)
}
