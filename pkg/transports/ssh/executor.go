package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// errSession marks failures to open a session on an established connection.
var errSession = errors.New("failed to create session")

// run executes cmd in a new session on c. A non-zero exit is reported in the
// result; only failures to run the command at all are errors.
func (c *hostClient) run(ctx context.Context, cmd Command, timeout time.Duration) (*ExecResult, error) {
	startTime := time.Now()
	c.touch()

	session, err := c.client.NewSession()
	if err != nil {
		// No session means nothing was sent.
		return nil, &TransportError{
			Op:          OpConnect,
			Host:        c.host.String(),
			Kind:        KindConnection,
			Err:         fmt.Errorf("%w: %v", errSession, err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if len(cmd.Stdin) > 0 {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd.Line)
	}()

	var execErr error
	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = runCtx.Err()
	case execErr = <-doneChan:
	}

	finishedAt := time.Now()
	result := &ExecResult{
		Stdout:     strings.TrimSpace(stdoutBuf.String()),
		Stderr:     strings.TrimSpace(stderrBuf.String()),
		StartedAt:  startTime,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startTime),
	}

	c.logger.Debug().
		Str("host", c.host.String()).
		Str("command", cmd.Line).
		Int("stdin_len", len(cmd.Stdin)).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("Command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	te := &TransportError{
		Op:          OpExecute,
		Host:        c.host.String(),
		Kind:        KindConnection,
		Err:         execErr,
		IsTemporary: true,
	}
	if errors.Is(execErr, context.DeadlineExceeded) {
		te.Kind = KindTimeout
		te.Err = fmt.Errorf("command did not finish within %s: %w", timeout, execErr)
	}
	var missing *ssh.ExitMissingError
	if errors.As(execErr, &missing) {
		te.Err = fmt.Errorf("connection dropped before exit status: %w", execErr)
	}
	return result, te
}
