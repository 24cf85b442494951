//go:build linux
// +build linux

// errors.go: exceptions, protected scopes and grammar-error snippets
//
// What this file does
// -------------------
// Every fallible operation in this package returns an ordinary `error`. This
// file turns those errors into *Exception values at the boundary of a
// protected scope and keeps the causal chain that nested handlers build up:
//
//	ffi_prep_cif failed. Return status = FFI_BAD_TYPEDEF
//		While handling exception: Failed to convert struct field 2
//
// A scope is entered with `Exceptions.Try(body, catch)`. The body runs with
// Go's fault-to-panic mode enabled, so a bad pointer dereferenced on the Go
// side is reported like any raised error instead of killing the process.
// Hardware faults inside native calls are caught by the guard in fault.go and
// come back from the call as a *FaultInfo error, which Try converts the same
// way.
//
// While a catch handler runs, its exception is the scope's "current"
// exception. Raising from inside the handler archives the current message
// (and its own causes) on the new exception, most recent first. When the
// handler returns the previous current exception is restored, so after the
// outermost scope has exited there is nothing left over.
//
// Scope of the public API
// -----------------------
// Public:   Exception, Exceptions (Try, Raise, Root, Current), ParseError,
//
//	WrapErrorWithLine.
//
// Private:  panic conversion and the caret-snippet renderer.
//
// Behavior guarantees
// -------------------
//   - An exception escaping Root is printed with its causes and Root returns
//     exit status 1. Nothing else is fatal.
//   - Exceptions is per session (per goroutine); it is not safe for concurrent
//     use, but independent sessions never interfere.
package cliffi

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"
)

/* ===========================
   PUBLIC API
   =========================== */

// Exception is a raised failure plus the messages of the exceptions that were
// being handled when it was raised.
type Exception struct {
	Status int
	Msg    string
	Causes []string   // most recent first
	Fault  *FaultInfo // set when the exception came from a memory fault
}

func (e *Exception) Error() string { return e.Msg }

// Print writes the message and one "While handling exception" line per cause.
func (e *Exception) Print(w io.Writer) {
	if e.Msg == "" {
		fmt.Fprintln(w, "Error thrown with no message")
	} else {
		fmt.Fprintln(w, e.Msg)
	}
	for _, c := range e.Causes {
		fmt.Fprintf(w, "\tWhile handling exception: %s\n", c)
	}
}

// Exceptions is the exception state of one session: the exception currently
// being handled, the protected-scope depth and the diagnostic section label
// reported with memory faults.
type Exceptions struct {
	current *Exception
	depth   int
	section string
}

// NewExceptions returns an empty exception state.
func NewExceptions() *Exceptions { return &Exceptions{} }

// Current is the exception being handled, nil outside of catch handlers.
func (x *Exceptions) Current() *Exception { return x.current }

// Depth is the number of open protected scopes.
func (x *Exceptions) Depth() int { return x.depth }

// Raise builds an exception, archiving the one currently being handled.
func (x *Exceptions) Raise(status int, format string, args ...any) *Exception {
	e := &Exception{Status: status, Msg: strings.TrimRight(fmt.Sprintf(format, args...), "\n")}
	x.archive(e)
	return e
}

// Try runs body in a protected scope. A failure (returned error, panic or
// memory fault) is converted to an *Exception and handed to catch; a nil
// catch propagates it. Whatever catch returns propagates to the enclosing
// scope.
func (x *Exceptions) Try(body func() error, catch func(*Exception) error) error {
	x.depth++
	defer func() { x.depth-- }()

	exc := x.protect(body)
	if exc == nil {
		return nil
	}
	if catch == nil {
		return exc
	}
	prev := x.current
	x.current = exc
	defer func() { x.current = prev }()
	if out := x.protect(func() error { return catch(exc) }); out != nil {
		return out
	}
	return nil
}

// Root runs body as the outermost scope. An exception reaching it is printed
// to w and turned into exit status 1.
func (x *Exceptions) Root(w io.Writer, body func() error) int {
	err := x.Try(body, nil)
	if err == nil {
		return 0
	}
	fmt.Fprintln(w, "Uncaught exception. This shouldn't generally ever happen. Please report.")
	x.toException(err).Print(w)
	return 1
}

// SetSection labels the code that runs next; the label is reported with any
// memory fault.
func (x *Exceptions) SetSection(s string) { x.section = s }

// UnsetSection clears the label.
func (x *Exceptions) UnsetSection() { x.section = "" }

// Section is the current label, "(unset)" when none is set.
func (x *Exceptions) Section() string {
	if x == nil || x.section == "" {
		return "(unset)"
	}
	return x.section
}

// ParseError is a grammar error located at one token of the input.
type ParseError struct {
	Tokens []string
	Index  int
	Msg    string
}

func (e *ParseError) Error() string { return e.Msg }

// WrapErrorWithLine renders a *ParseError as the command line with a caret
// under the offending token. Other errors are returned unchanged.
func WrapErrorWithLine(err error) error {
	var pe *ParseError
	if !errors.As(err, &pe) || len(pe.Tokens) == 0 {
		return err
	}
	return fmt.Errorf("%s", prettyTokenError(pe.Tokens, pe.Index, pe.Msg))
}

//// END_OF_PUBLIC

/* ===========================
   PRIVATE: conversion & rendering
   =========================== */

func (x *Exceptions) archive(e *Exception) {
	c := x.current
	if c == nil || c == e {
		return
	}
	e.Causes = append([]string{c.Msg}, c.Causes...)
}

// protect runs fn, turning its error or panic into an exception.
func (x *Exceptions) protect(fn func() error) (exc *Exception) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			exc = x.fromPanic(r)
			x.UnsetSection()
		}
	}()
	if err := fn(); err != nil {
		return x.toException(err)
	}
	return nil
}

func (x *Exceptions) toException(err error) *Exception {
	var e *Exception
	if errors.As(err, &e) {
		return e
	}
	var fi *FaultInfo
	if errors.As(err, &fi) {
		e = &Exception{Status: 1, Msg: fi.Error(), Fault: fi}
	} else {
		e = &Exception{Status: 1, Msg: strings.TrimRight(err.Error(), "\n")}
	}
	x.archive(e)
	return e
}

// addrError is what the runtime panics with after a faulting access when
// SetPanicOnFault is on.
type addrError interface {
	runtime.Error
	Addr() uintptr
}

func (x *Exceptions) fromPanic(r any) *Exception {
	if ae, ok := r.(addrError); ok {
		fi := &FaultInfo{Signo: sigSEGV, Addr: ae.Addr(), Section: x.Section()}
		e := &Exception{Status: 1, Msg: fi.Error(), Fault: fi}
		x.archive(e)
		return e
	}
	if err, ok := r.(error); ok {
		return x.toException(err)
	}
	return x.Raise(1, "panic: %v", r)
}

// prettyTokenError prints the tokens on one line with a caret run under the
// token at idx.
func prettyTokenError(tokens []string, idx int, msg string) string {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tokens) {
		idx = len(tokens) - 1
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GRAMMAR ERROR at token %d: %s\n\n", idx+1, msg)
	col := 0
	for i, t := range tokens {
		if i < idx {
			col += len(t) + 1
		}
	}
	fmt.Fprintf(&b, "   | %s\n", strings.Join(tokens, " "))
	width := len(tokens[idx])
	if width == 0 {
		width = 1
	}
	fmt.Fprintf(&b, "   | %s%s\n", strings.Repeat(" ", col), strings.Repeat("^", width))
	return b.String()
}
