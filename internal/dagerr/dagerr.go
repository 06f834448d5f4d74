// Package dagerr defines the error kinds surfaced by pipeline execution.
//
// Every failure that reaches a pipeline caller carries exactly one Kind.
// Errors wrap their cause so errors.Is and errors.As keep working across
// package boundaries.
package dagerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind uint8

const (
	Unknown Kind = iota
	Validation
	CustomLibrary
	RuntimeInference
	Timeout
	GraphConfiguration
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case CustomLibrary:
		return "custom_library"
	case RuntimeInference:
		return "runtime_inference"
	case Timeout:
		return "timeout"
	case GraphConfiguration:
		return "graph_configuration"
	default:
		return "unknown"
	}
}

// Error is a classified failure, optionally attributed to a node.
type Error struct {
	Kind Kind
	Node string
	Err  error
}

func (e *Error) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: node %q: %v", e.Kind, e.Node, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error of the same kind with no cause set,
// which lets callers match on kind with errors.Is(err, dagerr.Of(kind)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Node == "" && t.Kind == e.Kind
}

// Of returns a kind-only sentinel for use with errors.Is.
func Of(kind Kind) error {
	return &Error{Kind: kind}
}

// New creates an error of the given kind with a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Errorf creates an error of the given kind. The format honours %w.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and node to err. An err that already carries a kind
// keeps it; only a missing node name is filled in.
func Wrap(kind Kind, node string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) && de.Kind != Unknown {
		if de.Node == "" && node != "" {
			return &Error{Kind: de.Kind, Node: node, Err: de.Err}
		}
		return err
	}
	if kind == Unknown {
		kind = classifyContext(err)
	}
	return &Error{Kind: kind, Node: node, Err: err}
}

// KindOf extracts the kind of err. Context expiry maps to Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var de *Error
	if errors.As(err, &de) && de.Kind != Unknown {
		return de.Kind
	}
	return classifyContext(err)
}

// NodeOf returns the node the error is attributed to, if any.
func NodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Node
	}
	return ""
}

func classifyContext(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Unknown
}
