package model

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindNoData
	KindSigning
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindNoData:
		return "no data"
	case KindSigning:
		return "signing failure"
	case KindRejected:
		return "rejected"
	default:
		return "internal error"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrInternal = errors.New("internal error")
	ErrNotFound = errors.New("not found")
	ErrNoData   = errors.New("no data")
	ErrSigning  = errors.New("signing failure")
	ErrRejected = errors.New("rejected")
)

// Error is the failure type returned by the consensus and credibility engines
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error. msg is formatted with args when given.
func E(kind Kind, op string, msg string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(msg, args...)}
}

// Wrap wraps err with a kind and an operation name
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) and friends match on Kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInternal:
		return e.Kind == KindInternal
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrNoData:
		return e.Kind == KindNoData
	case ErrSigning:
		return e.Kind == KindSigning
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
