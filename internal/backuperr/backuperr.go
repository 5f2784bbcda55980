// Package backuperr defines the failure categories shared by every stage of
// the backup pipeline.
package backuperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	ExternalTool
	ArchiveBuild
	Authentication
	RemoteQuery
	RemoteWrite
	LocalIO
)

var kindNames = map[Kind]string{
	Unknown:        "unknown",
	Configuration:  "configuration",
	ExternalTool:   "external tool",
	ArchiveBuild:   "archive build",
	Authentication: "authentication",
	RemoteQuery:    "remote query",
	RemoteWrite:    "remote write",
	LocalIO:        "local io",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String() + " error"
}

// Error is a categorized failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with kind and op. A nil err yields a plain message error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a categorized error from a format string. %w is honored.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.Error()
	case e.Op == "":
		return e.Err.Error()
	case e.Err == nil:
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e, or an *Error with the same Kind
// and no Op.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return t.Op == "" && t.Kind == e.Kind
	}
	return false
}

// KindOf returns the Kind of the outermost categorized error in err's chain,
// or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
