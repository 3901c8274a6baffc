package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostClient is one cached connection to one host.
type hostClient struct {
	host   Host
	client *ssh.Client
	logger zerolog.Logger

	mu          sync.Mutex
	connectedAt time.Time
	lastUsedAt  time.Time
	closed      bool
}

// dial establishes an SSH connection to host. Dialing and the handshake are
// both bounded by the config's connection timeout and by ctx.
func dial(ctx context.Context, cfg *Config, host Host, logger zerolog.Logger) (*hostClient, error) {
	user := host.User
	if user == "" {
		user = cfg.User
	}

	clientConfig, err := cfg.clientConfig(user)
	if err != nil {
		return nil, &TransportError{
			Op:   OpConnect,
			Host: host.String(),
			Kind: KindAuthentication,
			Err:  err,
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	address := host.Addr()
	logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	var d net.Dialer
	conn, err := d.DialContext(connectCtx, "tcp", address)
	if err != nil {
		return nil, classifyConnectError(connectCtx, host, err)
	}

	if deadline, ok := connectCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// The handshake has no context; closing the conn is how cancellation reaches it.
	stop := context.AfterFunc(connectCtx, func() { _ = conn.Close() })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, classifyConnectError(connectCtx, host, err)
	}
	_ = conn.SetDeadline(time.Time{})

	now := time.Now()
	hc := &hostClient{
		host:        host,
		client:      ssh.NewClient(ncc, chans, reqs),
		logger:      logger,
		connectedAt: now,
		lastUsedAt:  now,
	}

	if cfg.KeepAliveInterval > 0 {
		go hc.keepAlive(cfg.KeepAliveInterval, cfg.MaxKeepAliveRetries)
	}

	logger.Info().Str("address", address).Msg("SSH connection established")
	return hc, nil
}

// classifyConnectError maps dial and handshake failures to transport error kinds.
func classifyConnectError(ctx context.Context, host Host, err error) *TransportError {
	te := &TransportError{
		Op:          OpConnect,
		Host:        host.String(),
		Kind:        KindConnection,
		Err:         err,
		IsTemporary: true,
	}

	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	var netErr net.Error
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		te.Kind = KindAuthentication
		te.IsTemporary = false
	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"):
		te.Kind = KindAuthentication
		te.IsTemporary = false
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		te.Kind = KindTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		te.Err = fmt.Errorf("%w: %v", ctx.Err(), err)
		te.IsTemporary = false
	}

	return te
}

// idleSince returns how long the connection has been unused.
func (c *hostClient) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUsedAt)
}

func (c *hostClient) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// close releases the connection. It is safe to call more than once.
func (c *hostClient) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug().Str("host", c.host.String()).Msg("Closing SSH connection")
	return c.client.Close()
}

// keepAlive sends periodic keep-alive messages and closes the connection
// after too many consecutive failures.
func (c *hostClient) keepAlive(interval time.Duration, maxRetries int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retries := 0
	for range ticker.C {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= maxRetries {
				c.logger.Error().Str("host", c.host.String()).Msg("Keep-alive failed too many times, dropping connection")
				_ = c.close()
				return
			}
		} else {
			retries = 0
		}
	}
}
