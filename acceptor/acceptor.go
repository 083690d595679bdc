// Package acceptor owns the listening socket and the elastic worker pool
// that runs one session per accepted connection.
package acceptor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitsvnbridge/session"
)

// Config controls listener and pool sizing.
type Config struct {
	Address       string
	MaxWorkers    int // 0 defaults to 256, see New
	MinWorkers    int // 0 defaults to 10
	ReuseAddress  bool
	ShutdownGrace time.Duration
}

// Acceptor accepts connections on a TCP listener and hands each one to a
// pond worker, which drives a *session.Session to completion.
type Acceptor struct {
	cfg    Config
	shared *session.Shared
	log    *logrus.Logger
	pool   *pond.WorkerPool

	mu       sync.Mutex
	listener net.Listener
}

// Addr returns the listener's bound address, or nil if ListenAndServe
// hasn't opened the socket yet. Mainly useful in tests that bind to
// ":0" and need to learn the OS-assigned port.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func New(cfg Config, shared *session.Shared, log *logrus.Logger) *Acceptor {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers == 0 {
		maxWorkers = 256
	}
	minWorkers := cfg.MinWorkers
	if minWorkers == 0 {
		minWorkers = 10
	}
	pool := pond.New(maxWorkers, 0, pond.MinWorkers(minWorkers))
	return &Acceptor{cfg: cfg, shared: shared, log: log, pool: pool}
}

// ListenAndServe opens the listening socket and blocks, accepting
// connections and submitting them to the worker pool, until ctx is
// cancelled. On cancellation it stops accepting and waits up to
// cfg.ShutdownGrace for in-flight sessions to finish before returning.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	if a.cfg.ReuseAddress {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	a.log.WithField("addr", a.cfg.Address).Info("gitsvnbridge: listening")

	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return a.shutdown()
			default:
				a.log.WithError(err).Warn("gitsvnbridge: accept failed")
				continue
			}
		}
		a.pool.Submit(func() {
			s := session.New(conn, a.shared)
			if err := s.Run(); err != nil {
				a.log.WithError(err).WithField("remote", conn.RemoteAddr()).Debug("gitsvnbridge: session ended")
			}
		})
	}
}

func (a *Acceptor) shutdown() error {
	grace := a.cfg.ShutdownGrace
	if grace <= 0 {
		// No grace period: stop the pool without waiting for in-flight
		// sessions.
		go a.pool.StopAndWait()
		return nil
	}
	done := make(chan struct{})
	go func() {
		a.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("gitsvnbridge: shutdown grace period exceeded, dropping remaining sessions")
	}
	return nil
}
