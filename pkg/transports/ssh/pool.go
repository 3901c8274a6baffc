package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool is a Runner that caches one connection per host address.
type Pool struct {
	config *Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*hostClient
	closed  bool
}

// NewPool validates cfg and returns an empty pool.
func NewPool(cfg *Config, logger zerolog.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ssh config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}

	return &Pool{
		config:  cfg,
		logger:  logger.With().Str("component", "ssh").Logger(),
		clients: make(map[string]*hostClient),
	}, nil
}

func poolKey(host Host, defaultUser string) string {
	user := host.User
	if user == "" {
		user = defaultUser
	}
	return user + "@" + host.Addr()
}

// Execute runs cmd on host. A timeout of zero uses the configured command timeout.
// A stale cached connection is replaced once before giving up.
func (p *Pool) Execute(ctx context.Context, host Host, cmd Command, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = p.config.CommandTimeout
	}

	for attempt := 0; attempt < 2; attempt++ {
		c, err := p.get(ctx, host)
		if err != nil {
			return nil, err
		}

		result, err := c.run(ctx, cmd, timeout)
		if err != nil && errors.Is(err, errSession) && attempt == 0 {
			// Nothing ran; the cached connection is dead.
			p.logger.Warn().Str("host", host.String()).Err(err).Msg("Cached connection is dead, reconnecting")
			p.evict(host, c)
			continue
		}
		return result, err
	}

	return nil, &TransportError{Op: OpConnect, Host: host.String(), Kind: KindConnection, Err: errSession, IsTemporary: true}
}

func (p *Pool) get(ctx context.Context, host Host) (*hostClient, error) {
	key := poolKey(host, p.config.User)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &TransportError{Op: OpConnect, Host: host.String(), Kind: KindConnection, Err: errors.New("pool is closed")}
	}
	if c, ok := p.clients[key]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := dial(ctx, p.config, host, p.logger)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[key]; ok {
		// Another caller connected first.
		_ = c.close()
		return existing, nil
	}
	p.clients[key] = c
	return c, nil
}

func (p *Pool) evict(host Host, c *hostClient) {
	key := poolKey(host, p.config.User)

	p.mu.Lock()
	if p.clients[key] == c {
		delete(p.clients, key)
	}
	p.mu.Unlock()

	_ = c.close()
}

// Reap closes connections idle for longer than the configured idle timeout.
func (p *Pool) Reap() int {
	if p.config.IdleTimeout <= 0 {
		return 0
	}

	now := time.Now()
	var stale []*hostClient

	p.mu.Lock()
	for key, c := range p.clients {
		if c.idleSince(now) > p.config.IdleTimeout {
			stale = append(stale, c)
			delete(p.clients, key)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		_ = c.close()
	}
	return len(stale)
}

// Size returns the number of cached connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every cached connection. Subsequent Execute calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*hostClient)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
