// Package oops wraps errors with a message and the call stack at the point
// of wrapping, and teaches zerolog to print that stack.
//
// The stacks are meant for pngcvt's failure log: command dispatch frames are
// left out, and wrapping an error that already carries a stack keeps the
// inner one, so the log points at where the failure started.
package oops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-stack/stack"
	"github.com/rs/zerolog"
)

type Error struct {
	Message string
	Wrapped error
	Stack   CallStack
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

type CallStack []StackFrame

func (s CallStack) MarshalZerologArray(a *zerolog.Array) {
	for _, frame := range s {
		a.Object(frame)
	}
}

type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (f StackFrame) MarshalZerologObject(e *zerolog.Event) {
	e.
		Str("file", f.File).
		Int("line", f.Line).
		Str("function", f.Function)
}

// ZerologStackMarshaler is meant for zerolog.ErrorStackMarshaler. It finds
// the stack even when the *Error is wrapped by fmt.Errorf.
var ZerologStackMarshaler = func(err error) interface{} {
	var asOops *Error
	if errors.As(err, &asOops) {
		return asOops.Stack
	}
	return nil
}

// Frames from these packages say nothing about why a command failed.
var hiddenPrefixes = []string{
	"github.com/spf13/cobra.",
	"testing.",
}

func hidden(function string) bool {
	for _, prefix := range hiddenPrefixes {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}

func New(wrapped error, format string, args ...interface{}) error {
	e := &Error{
		Message: fmt.Sprintf(format, args...),
		Wrapped: wrapped,
	}
	var inner *Error
	if errors.As(wrapped, &inner) {
		e.Stack = inner.Stack
		return e
	}

	trace := stack.Trace().TrimRuntime()
	// Drop New itself.
	if len(trace) > 0 {
		trace = trace[1:]
	}
	frames := make(CallStack, 0, len(trace))
	for _, call := range trace {
		callFrame := call.Frame()
		if hidden(callFrame.Function) {
			continue
		}
		frames = append(frames, StackFrame{
			File:     callFrame.File,
			Line:     callFrame.Line,
			Function: callFrame.Function,
		})
	}
	e.Stack = frames
	return e
}
