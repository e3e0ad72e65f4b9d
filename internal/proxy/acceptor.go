package proxy

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

	"github.com/infodancer/imaproxy/internal/config"
	"github.com/infodancer/imaproxy/internal/metrics"
)

// AcceptorConfig is everything the Acceptor needs beyond the bound
// listener: upstream wiring for each Mediator it spawns, and the shared
// observability handles.
type AcceptorConfig struct {
	Upstream           UpstreamAddr
	InsecureSkipVerify bool
	KeepAlive          time.Duration
	ReadTimeout        time.Duration

	Logger    *slog.Logger
	Collector metrics.Collector

	Plugins []Plugin
}

// Acceptor is the Acceptor of spec.md §4.7: listens on a TCP or TLS port,
// hands each accepted connection to a new Mediator, and attaches to each
// Mediator the plugins given in AcceptorConfig.Plugins (loaded once at
// startup by the caller, then shared across every Mediator it spawns).
type Acceptor struct {
	listener  net.Listener
	cfg       AcceptorConfig
	openConns atomic.Int64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAcceptor wraps an already-bound listener. Use Listen to build one from
// config.Config.
func NewAcceptor(listener net.Listener, cfg AcceptorConfig) *Acceptor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	return &Acceptor{listener: listener, cfg: cfg}
}

// Listen binds the downstream listener described by cfg: plain TCP, or TLS
// using tlsConfig when cfg.SSL is set (spec.md §6 "Network, downstream").
func Listen(cfg *config.Config, tlsConfig *tls.Config) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", cfg.BindPort)
	if !cfg.SSL {
		return net.Listen("tcp", addr)
	}
	if tlsConfig == nil {
		return nil, errors.New("proxy: ssl enabled but no TLS configuration provided")
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

// Addr returns the bound listener's address.
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// OpenConnections returns the current count of live proxied connections on
// this worker (spec.md §5 "Shared resources": per-worker counter).
func (a *Acceptor) OpenConnections() int64 { return a.openConns.Load() }

// Run accepts connections until ctx is canceled or the listener errors. On
// cancellation it stops accepting and waits for in-flight connections to
// finish their current Mediator.Run before returning (spec.md §6 "stop
// accepting, allow in-flight connections to drain").
func (a *Acceptor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			a.wg.Wait()
			if a.isClosed() {
				return nil
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serve(ctx, conn)
		}()
	}
}

func (a *Acceptor) serve(ctx context.Context, client net.Conn) {
	m := NewMediator(client, MediatorConfig{
		Upstream:           a.cfg.Upstream,
		InsecureSkipVerify: a.cfg.InsecureSkipVerify,
		KeepAlive:          a.cfg.KeepAlive,
		ReadTimeout:        a.cfg.ReadTimeout,
		Logger:             a.cfg.Logger,
		Collector:          a.cfg.Collector,
		OpenConns:          &a.openConns,
		Plugins:            a.cfg.Plugins,
	})

	if err := m.Run(ctx); err != nil {
		a.cfg.Logger.Error("session ended with error",
			"session", m.Session().ID(),
			"error", err,
		)
	}
}

func (a *Acceptor) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	_ = a.listener.Close()
}

func (a *Acceptor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close stops accepting new connections without waiting for in-flight ones
// to finish. Run's own ctx-cancellation path is the normal shutdown route;
// Close exists for callers (tests, a supervisor) that hold the listener
// directly.
func (a *Acceptor) Close() error {
	a.close()
	return nil
}
