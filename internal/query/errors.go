package query

import "errors"

// ErrBadCredentials is a client misconfiguration: the shared admin secret is
// missing or was rejected by the server. Unlike protocol-level failures it IS
// surfaced from QueryStatus, because retrying cannot fix it.
var ErrBadCredentials = errors.New("invalid admin credentials")

// TransientError wraps network hiccups (timeout, connection refused). These
// count against the protocol failure threshold but never escape QueryStatus.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError means the server answered, but with something the client
// could not use (bad status, malformed body, unexpected console reply).
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string { return e.Op + ": " + e.Detail }
