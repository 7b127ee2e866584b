package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacknet-honeypot/blacknet/internal/ratelimit"
)

// ErrSupervisorClosed is returned by Serve after Shutdown.
var ErrSupervisorClosed = errors.New("server: supervisor closed")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configure a Supervisor.
type Options struct {
	// TLS wraps untrusted listeners. Required unless every listener is
	// trusted.
	TLS              *tls.Config
	MaxConns         int
	AcceptRate       int // per source address per minute, 0 = unlimited
	HandshakeTimeout time.Duration
}

// Supervisor accepts sensor connections and runs each in its own goroutine.
type Supervisor struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    atomic.Bool
}

func NewSupervisor(deps Deps, opts Options) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Stats == nil {
		deps.Stats = &Stats{}
	}
	if opts.MaxConns < 1 {
		opts.MaxConns = 1024
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps:      deps,
		opts:      opts,
		logger:    deps.Logger,
		limiter:   ratelimit.New(),
		sem:       make(chan struct{}, opts.MaxConns),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
}

// Stats returns a snapshot of the connection and event counters.
func (s *Supervisor) Stats() StatsSnapshot {
	return s.deps.Stats.Snapshot()
}

// Serve accepts connections on ln until ln fails, ctx is cancelled or
// Shutdown is called. Connections from a trusted listener skip TLS.
func (s *Supervisor) Serve(ctx context.Context, ln net.Listener, trusted bool) error {
	if !trusted && s.opts.TLS == nil {
		return errors.New("server: untrusted listener without TLS config")
	}
	if !s.track(ln) {
		ln.Close()
		return ErrSupervisorClosed
	}
	defer s.untrack(ln)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("listening", "addr", ln.Addr().String(), "trusted", trusted)
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrSupervisorClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				if backoff == 0 {
					backoff = minAcceptBackoff
				} else {
					backoff = min(backoff*2, maxAcceptBackoff)
				}
				s.logger.Warn("accept error, retrying", "err", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.admit(nc, trusted)
	}
}

// admit applies the accept-time limits and spawns the connection's worker.
func (s *Supervisor) admit(nc net.Conn, trusted bool) {
	s.deps.Stats.accepted.Add(1)
	if !trusted && s.opts.AcceptRate > 0 {
		host := ratelimit.HostKey(nc.RemoteAddr())
		if !s.limiter.Allow(host, ratelimit.Bucket{MaxRequests: s.opts.AcceptRate, Window: time.Minute}) {
			s.reject(nc, "accept rate exceeded")
			return
		}
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.reject(nc, "connection limit reached")
		return
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		<-s.sem
		nc.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.deps.Stats.active.Add(1)
	go func() {
		defer func() {
			s.deps.Stats.active.Add(-1)
			<-s.sem
			s.wg.Done()
		}()
		s.handle(nc, trusted)
	}()
}

func (s *Supervisor) reject(nc net.Conn, reason string) {
	s.deps.Stats.rejected.Add(1)
	s.logger.Warn("rejecting connection", "remote", nc.RemoteAddr().String(), "reason", reason)
	nc.Close()
}

func (s *Supervisor) handle(nc net.Conn, trusted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection handler panicked", "remote", nc.RemoteAddr().String(), "panic", r)
			nc.Close()
		}
	}()

	if !trusted {
		tc := tls.Server(nc, s.opts.TLS)
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			s.logger.Info("tls handshake failed", "remote", nc.RemoteAddr().String(), "err", err)
			nc.Close()
			return
		}
		nc = tc
	}

	c := NewConn(nc, s.deps)
	if err := c.Serve(s.ctx); err != nil {
		c.logger.Warn("connection ended with error", "err", err)
	}
}

func (s *Supervisor) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Supervisor) untrack(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// SweepLimiter forgets accept-rate history older than maxAge.
func (s *Supervisor) SweepLimiter(maxAge time.Duration) {
	s.limiter.Sweep(maxAge)
}

// Shutdown closes all listeners, closes every connection and waits for the
// workers to finish or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
