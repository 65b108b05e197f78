// Package util holds the sentinel and classified error types shared by
// the rpc engine, in the style of krd's common/util/error.go: small,
// package-level error values a caller can compare or type-switch on.
package util

import "fmt"

// ClassifiedError is a remote-thrown error that crossed the wire. Class
// is "SyntaxError", "TypeError", or empty for a generic error; Code and
// Stack are carried through when the far side supplied them.
type ClassifiedError struct {
	Class   string
	Message string
	Stack   string
	Code    string
}

func (e *ClassifiedError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
	return e.Message
}

func NewSyntaxError(msg string) *ClassifiedError { return &ClassifiedError{Class: "SyntaxError", Message: msg} }
func NewTypeError(msg string) *ClassifiedError   { return &ClassifiedError{Class: "TypeError", Message: msg} }

// ClosedError is returned for any call attempted after the endpoint has
// closed, and for every pending call still outstanding at closure.
type ClosedError struct{}

func (ClosedError) Error() string { return "rpc: endpoint is closed" }
func (ClosedError) Code() string  { return "ERR_SOCKET_CLOSED" }

var ErrEndpointClosed error = ClosedError{}

// InvalidObjectError names an oid that does not resolve on the side that
// received it: a marshalled proxy from a different endpoint, or a call
// naming an oid the stub registry no longer holds.
type InvalidObjectError struct {
	OID string
}

func (e InvalidObjectError) Error() string { return fmt.Sprintf("rpc: invalid object %q", e.OID) }
func (e InvalidObjectError) Code() string  { return "ENXIO" }

// InvalidMethodError names a method/getter/setter not present in a
// stub's method-list snapshot.
type InvalidMethodError struct {
	Method string
}

func (e InvalidMethodError) Error() string {
	return fmt.Sprintf("rpc: invalid method %q", e.Method)
}

// WrongArityError is returned when a getter is called with arguments or
// a setter is called with anything other than exactly one.
type WrongArityError struct {
	Method string
	Want   int
	Got    int
}

func (e WrongArityError) Error() string {
	return fmt.Sprintf("rpc: %s expects %d argument(s), got %d", e.Method, e.Want, e.Got)
}

// NoMethodListError is returned by AddStub when the target reports a nil
// method list -- it has nothing to snapshot and export.
type NoMethodListError struct{}

func (NoMethodListError) Error() string { return "rpc: stubbed object exposes no method list" }

// ReentrantCallError is returned when a new outbound call is attempted
// while the endpoint is mid-way through marshalling another call's
// arguments.
type ReentrantCallError struct{}

func (ReentrantCallError) Error() string {
	return "rpc: re-entrant call while marshalling another call's arguments"
}

// MalformedFrameError describes an inbound call frame whose params could
// not be decoded. It never closes the endpoint; the call is answered with
// it as an error reply.
type MalformedFrameError struct {
	Reason string
}

func (e MalformedFrameError) Error() string { return "rpc: malformed frame: " + e.Reason }
