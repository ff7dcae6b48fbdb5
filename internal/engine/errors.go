package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failed engine call.
type Kind string

const (
	KindNetwork Kind = "network"
	KindAuth    Kind = "auth"
	KindServer  Kind = "server"
	KindProxy   Kind = "proxy"
	KindUnknown Kind = "unknown"
)

// Error is returned by every Client call that fails.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("engine %s error (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("engine %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an engine error anywhere in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classify maps an upstream status to an error kind.
func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindProxy
	default:
		return KindUnknown
	}
}
