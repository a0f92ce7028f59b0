// Package pool manages bounded per-server NNTP connection pools and the
// health bookkeeping attached to every borrow/return cycle.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/odz123/nzbdav/internal/config"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/nntp"
	"github.com/odz123/nzbdav/internal/yenc"
)

// Conn is the session surface the pool lends out. *nntp.Conn implements it;
// tests substitute fakes.
type Conn interface {
	Stat(ctx context.Context, messageID string) (bool, error)
	GetSegmentStream(ctx context.Context, messageID string) (*yenc.Reader, error)
	GetSegmentHeader(ctx context.Context, messageID string) (yenc.Header, error)
	Release()
	Abort()
	State() nntp.State
	SetState(nntp.State)
	Close() error
}

// DialFunc opens a new authenticated session to a server.
type DialFunc func(ctx context.Context, cfg config.ServerConfig) (Conn, error)

func defaultDial(ctx context.Context, cfg config.ServerConfig) (Conn, error) {
	return nntp.Dial(ctx, cfg)
}

// ServerPool is a bounded set of connections to one server. Lending blocks
// when all slots are in use; waiters are served in FIFO channel order.
type ServerPool struct {
	cfg  config.ServerConfig
	dial DialFunc
	log  *slog.Logger

	// tokens caps connections-in-use + connections-dialing.
	tokens chan struct{}

	mu       sync.Mutex
	idle     []Conn
	health   Health
	disabled bool
	closed   bool
}

// NewServerPool creates a pool for one server.
func NewServerPool(cfg config.ServerConfig, dial DialFunc) *ServerPool {
	if dial == nil {
		dial = defaultDial
	}
	return &ServerPool{
		cfg:    cfg,
		dial:   dial,
		log:    slog.Default().With("component", "pool", "server", cfg.ID),
		tokens: make(chan struct{}, cfg.MaxConnections),
		health: Health{ServerID: cfg.ID, Available: true},
	}
}

// Config returns the server configuration this pool serves.
func (p *ServerPool) Config() config.ServerConfig { return p.cfg }

// Borrow lends a connection. If none is idle and capacity remains, a new
// session is dialed and authenticated. The caller must hand the connection
// back through Return.
func (p *ServerPool) Borrow(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nzberrors.New(nzberrors.KindTransient, "pool is closed")
	}
	if p.disabled {
		p.mu.Unlock()
		return nil, nzberrors.New(nzberrors.KindFatal, "server disabled until reconfigured: "+p.cfg.ID)
	}
	p.mu.Unlock()

	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		conn.SetState(nntp.StateInUse)
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, p.cfg)
	if err != nil {
		<-p.tokens
		p.RecordResult(err)
		return nil, err
	}

	conn.SetState(nntp.StateInUse)
	return conn, nil
}

// Return hands a connection back together with the outcome of the call it
// served. The outcome drives the health update; a broken or poisoned
// session is closed and its capacity slot freed for a replacement dial.
func (p *ServerPool) Return(conn Conn, callErr error) {
	p.RecordResult(callErr)

	p.mu.Lock()
	defer p.mu.Unlock()

	<-p.tokens

	if p.closed || conn.State() == nntp.StateBroken || conn.State() == nntp.StateClosed {
		go func() { _ = conn.Close() }()
		return
	}

	conn.SetState(nntp.StateIdle)
	p.idle = append(p.idle, conn)
}

// Discard closes a connection without a health update, freeing its slot.
func (p *ServerPool) Discard(conn Conn) {
	p.mu.Lock()
	<-p.tokens
	p.mu.Unlock()
	go func() { _ = conn.Close() }()
}

// RecordResult applies the health update rules for one call outcome.
func (p *ServerPool) RecordResult(callErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	switch nzberrors.KindOf(callErr) {
	case nzberrors.KindUnknown:
		if callErr != nil {
			// Unclassified errors count as transient failures.
			p.health.ConsecutiveFailures++
			p.health.TotalFailures++
			p.health.LastFailureAt = now
			p.health.LastError = callErr.Error()
			return
		}
		p.recordSuccessLocked(now)
	case nzberrors.KindNotFound:
		// A definitive 430 is a healthy server doing its job.
		p.recordSuccessLocked(now)
		p.health.TotalArticlesNotFound++
	case nzberrors.KindCancelled:
		// Caller went away; says nothing about the server.
	case nzberrors.KindUnauthorized, nzberrors.KindFatal:
		p.health.Available = false
		p.health.LastFailureAt = now
		p.health.LastError = callErr.Error()
		p.disabled = true
		p.log.Warn("Disabling server until reconfigured", "error", callErr)
	default:
		p.health.ConsecutiveFailures++
		p.health.TotalFailures++
		p.health.LastFailureAt = now
		p.health.LastError = callErr.Error()
	}
}

func (p *ServerPool) recordSuccessLocked(now time.Time) {
	p.health.ConsecutiveFailures = 0
	p.health.TotalSuccesses++
	p.health.LastSuccessAt = now
}

// HealthSnapshot returns a copy of the current health counters.
func (p *ServerPool) HealthSnapshot() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// Usable reports whether the pool accepts borrows.
func (p *ServerPool) Usable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disabled && !p.closed && p.cfg.IsEnabled()
}

// InUse returns how many capacity slots are currently taken.
func (p *ServerPool) InUse() int {
	return len(p.tokens)
}

// Capacity returns the configured connection cap.
func (p *ServerPool) Capacity() int {
	return p.cfg.MaxConnections
}

// Close shuts the pool down and closes idle connections. Borrowed
// connections are closed as they are returned.
func (p *ServerPool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}
}
