// ============================================================================
// Remote Transport
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: One authenticated session to one remote host per tick.
//
// Contract:
//   Connect() opens the session, Execute() runs one command, writes the
//   given stdin text, streams stdout line by line and returns the exit
//   status, Close() releases the session. A non-zero exit status is a
//   result, not an error: errors are reserved for transport failures.
//
// ============================================================================

package transport

import (
	"context"
	"errors"
)

var (
	// ErrConnect is returned when a session cannot be established.
	ErrConnect = errors.New("transport: cannot connect")
	// ErrSession is returned when an established session fails mid-command.
	ErrSession = errors.New("transport: session failed")
)

// LineHandler receives every stdout line in arrival order, without the
// trailing newline.
type LineHandler func(line string)

// Session executes commands on the remote host, one at a time.
type Session interface {
	// Execute runs command, writes stdin to it, and streams its stdout into
	// onLine. The command's output is fully drained before Execute returns.
	Execute(ctx context.Context, command, stdin string, onLine LineHandler) (exitStatus int, err error)

	// Close releases the session. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Connect(ctx context.Context) (Session, error)
}
