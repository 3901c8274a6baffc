// Package ssh provides the remote-shell transport: it opens sessions on managed
// hosts, sends one command line with optional stdin, and reports exit code and
// output. It does not decide what to send.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Runner executes a single command on a host.
// A command that runs and exits non-zero is not an error: the exit code is in the result.
// Errors are *TransportError values describing why the command could not run.
type Runner interface {
	Execute(ctx context.Context, host Host, cmd Command, timeout time.Duration) (*ExecResult, error)
}

// Host identifies a remote machine.
type Host struct {
	// Name is the display name used in logs and errors.
	Name string

	// Address is the hostname or IP address to dial.
	Address string

	// Port is the SSH port. Zero means 22.
	Port int

	// User overrides the pool's default user when set.
	User string
}

// Addr returns host:port.
func (h Host) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return h.Address + ":" + strconv.Itoa(port)
}

// String returns the display name, falling back to the address.
func (h Host) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Address
}

// Command is one command line plus data fed to its stdin.
type Command struct {
	Line  string
	Stdin []byte
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// Succeeded reports whether the command exited zero.
func (r *ExecResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	// KindConnection means the host could not be reached or the session could not be opened.
	KindConnection ErrorKind = "connection"

	// KindAuthentication means the host rejected our credentials or failed host key verification.
	KindAuthentication ErrorKind = "authentication"

	// KindTimeout means the connect or command deadline expired.
	KindTimeout ErrorKind = "timeout"
)

// Transport operations.
const (
	OpConnect = "connect"
	OpExecute = "execute"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (connect or execute).
	// A connect failure guarantees the command never reached the host.
	Op string

	// Host is the host the operation targeted.
	Host string

	// Kind classifies the failure.
	Kind ErrorKind

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Host, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func kindOf(err error) (ErrorKind, string, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, te.Op, true
	}
	return "", "", false
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	k, _, ok := kindOf(err)
	return ok && k == KindAuthentication
}

// IsTimeout reports whether err is a connect or command timeout.
func IsTimeout(err error) bool {
	k, _, ok := kindOf(err)
	return ok && k == KindTimeout
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	k, _, ok := kindOf(err)
	return ok && k == KindConnection
}

// NotSent reports whether err guarantees the command never reached the host.
func NotSent(err error) bool {
	_, op, ok := kindOf(err)
	return ok && op == OpConnect
}
