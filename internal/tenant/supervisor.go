// Package tenant supervises the set of configured tenants: it keeps
// each tenant's listening sockets open, runs at most one conversation
// worker per tenant at a time, and reaps finished workers so their
// sockets can be reopened for the next conversation.
package tenant

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/ArduPilot/UDPProxy/internal/conversation"
	"github.com/ArduPilot/UDPProxy/internal/metrics"
	"github.com/ArduPilot/UDPProxy/internal/netutil"
	"github.com/ArduPilot/UDPProxy/internal/store"
)

// pollInterval bounds how long one supervisor loop iteration blocks
// waiting for a tenant socket to become readable, matching the
// original relay's 1-second select timeout in the parent process.
const pollInterval = time.Second

// Tenant is one configured vehicle/engineer port pair and the sockets
// the supervisor currently owns for it. While busy is true a
// conversation worker owns those sockets instead and the supervisor's
// own fields are the zero value.
type Tenant struct {
	Port1 int32
	Port2 int32

	sockets conversation.Sockets
	busy    bool
}

type doneSignal struct {
	port2 int32
}

// Supervisor owns every configured tenant.
type Supervisor struct {
	db             *store.DB
	metrics        *metrics.Metrics
	tlsConfig      *tls.Config
	reloadInterval time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	tenants map[int32]*Tenant // keyed by Port2

	done chan doneSignal
}

// New constructs a Supervisor. tlsConfig may be nil, which disables the
// TLS-WebSocket variant for every tenant's engineer side.
func New(db *store.DB, m *metrics.Metrics, tlsConfig *tls.Config, reloadInterval time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		db:             db,
		metrics:        m,
		tlsConfig:      tlsConfig,
		reloadInterval: reloadInterval,
		logger:         logger,
		tenants:        map[int32]*Tenant{},
		done:           make(chan doneSignal, 8),
	}
}

// Bootstrap traverses the already-open key store, adds every tenant it
// finds, and logs the count. The store stays open afterwards; the supervisor reloads
// it periodically from Run.
func (s *Supervisor) Bootstrap() error {
	count := 0
	err := s.db.Traverse(func(port2 int32, rec store.Record) {
		s.addTenant(rec.Port1, port2)
		count++
	})
	if err != nil {
		return err
	}
	s.logger.Info("bootstrapped tenants", "count", count)
	return nil
}

// addTenant registers a new tenant and attempts to open its sockets.
// It is a no-op if a tenant with this port2 already exists.
func (s *Supervisor) addTenant(port1, port2 int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[port2]; exists {
		return
	}
	t := &Tenant{Port1: port1, Port2: port2}
	s.openSockets(t)
	s.tenants[port2] = t
	s.logger.Info("added tenant", "port1", port1, "port2", port2)
}

// openSockets binds whichever of a tenant's four sockets are currently
// closed. Failures are logged and left closed; the periodic reload
// retries them.
func (s *Supervisor) openSockets(t *Tenant) {
	ctx := context.Background()
	if t.sockets.UDP1 == nil {
		if conn, err := netutil.ListenUDP(ctx, int(t.Port1)); err != nil {
			s.logger.Warn("open udp1 failed", "port2", t.Port2, "port1", t.Port1, "error", err)
		} else {
			t.sockets.UDP1 = conn
		}
	}
	if t.sockets.UDP2 == nil {
		if conn, err := netutil.ListenUDP(ctx, int(t.Port2)); err != nil {
			s.logger.Warn("open udp2 failed", "port2", t.Port2, "error", err)
		} else {
			t.sockets.UDP2 = conn
		}
	}
	if t.sockets.TCP1 == nil {
		if ln, err := netutil.ListenTCP(ctx, int(t.Port1)); err != nil {
			s.logger.Warn("open tcp1 failed", "port2", t.Port2, "port1", t.Port1, "error", err)
		} else {
			t.sockets.TCP1 = ln
		}
	}
	if t.sockets.TCP2 == nil {
		if ln, err := netutil.ListenTCP(ctx, int(t.Port2)); err != nil {
			s.logger.Warn("open tcp2 failed", "port2", t.Port2, "error", err)
		} else {
			t.sockets.TCP2 = ln
		}
	}
}

// Run drives the supervisor's main loop until ctx is cancelled: it
// waits for any idle tenant's sockets to become readable, spawns a
// conversation worker for the first one that does, reaps workers that
// have finished, and periodically reloads the key store.
func (s *Supervisor) Run(ctx context.Context) {
	lastReload := netutil.Now()
	for {
		if ctx.Err() != nil {
			s.logger.Info("supervisor stopping")
			return
		}

		s.reap()

		fds, ports := s.buildPollSet()
		ready, err := netutil.Poll(fds, pollInterval)
		if err != nil {
			s.logger.Error("supervisor poll failed", "error", err)
			continue
		}
		spawned := map[int32]bool{}
		for _, idx := range ready {
			port2 := ports[idx]
			if spawned[port2] {
				continue
			}
			spawned[port2] = true
			s.maybeSpawn(ctx, port2)
		}

		if now := netutil.Now(); now.Sub(lastReload) >= s.reloadInterval {
			lastReload = now
			s.reload()
		}
	}
}

// buildPollSet collects the fds of every open socket belonging to a
// non-busy tenant, tagged with that tenant's port2.
func (s *Supervisor) buildPollSet() ([]int, []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fds []int
	var ports []int32
	add := func(fd int, err error, port2 int32) {
		if err != nil {
			s.logger.Warn("fd lookup failed", "port2", port2, "error", err)
			return
		}
		fds = append(fds, fd)
		ports = append(ports, port2)
	}

	for port2, t := range s.tenants {
		if t.busy {
			continue
		}
		if t.sockets.UDP1 != nil {
			fd, err := netutil.FD(t.sockets.UDP1)
			add(fd, err, port2)
		}
		if t.sockets.UDP2 != nil {
			fd, err := netutil.FD(t.sockets.UDP2)
			add(fd, err, port2)
		}
		if t.sockets.TCP1 != nil {
			fd, err := netutil.FD(t.sockets.TCP1)
			add(fd, err, port2)
		}
		if t.sockets.TCP2 != nil {
			fd, err := netutil.FD(t.sockets.TCP2)
			add(fd, err, port2)
		}
	}
	return fds, ports
}

// maybeSpawn claims a non-busy tenant and starts its conversation
// worker, handing over exclusive ownership of its sockets.
func (s *Supervisor) maybeSpawn(ctx context.Context, port2 int32) {
	s.mu.Lock()
	t, ok := s.tenants[port2]
	if !ok || t.busy {
		s.mu.Unlock()
		return
	}
	t.busy = true
	sockets := t.sockets
	t.sockets = conversation.Sockets{}
	s.mu.Unlock()

	s.logger.Info("spawning conversation worker", "port1", t.Port1, "port2", t.Port2)
	go func() {
		conversation.Run(ctx, conversation.Params{
			Port1:     t.Port1,
			Port2:     t.Port2,
			Sockets:   sockets,
			DB:        s.db,
			Metrics:   s.metrics,
			TLSConfig: s.tlsConfig,
			Logger:    s.logger,
		})
		s.done <- doneSignal{port2: port2}
	}()
}

// reap drains every pending completion signal, clearing the busy flag
// and reopening sockets for each tenant that finished.
func (s *Supervisor) reap() {
	for {
		select {
		case d := <-s.done:
			s.mu.Lock()
			t, ok := s.tenants[d.port2]
			if !ok {
				s.mu.Unlock()
				s.logger.Warn("reaped unknown tenant", "port2", d.port2)
				continue
			}
			t.busy = false
			s.openSockets(t)
			s.mu.Unlock()
		default:
			return
		}
	}
}

// reload re-traverses the key store for newly added tenants and retries
// opening sockets for every idle tenant that has one or more closed.
func (s *Supervisor) reload() {
	if err := s.db.Traverse(func(port2 int32, rec store.Record) {
		s.addTenant(rec.Port1, port2)
	}); err != nil {
		s.logger.Warn("reload traverse failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if !t.busy {
			s.openSockets(t)
		}
	}
}

// TenantCount reports the number of tenants currently registered, for
// diagnostics and tests.
func (s *Supervisor) TenantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants)
}
