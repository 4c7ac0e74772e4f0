// Package peerconn manages outbound health connections to the other
// MGM nodes in a master/slave set (spec §4.5: "each MGM pings every
// peer MGM (1s timeout) and every peer MQ (1s timeout), and probes its
// own disk/namespace every 5s"). It is a thin, reusable peer-liveness
// tracker; internal/master owns the actual promotion/demotion
// decisions made from the liveness it reports.
//
// Grounded on pkg/recovery/connection.go's ConnectionManager (dial,
// timeout, health-check-loop, backoff-on-failure shape), generalized
// from one named connection to a named set of peers each pinged on its
// own schedule, and composed with internal/circuit so a peer that
// fails repeatedly stops being probed at full frequency instead of
// piling up timeouts against a node that is simply down.
package peerconn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratafs/mgm/internal/circuit"
	"github.com/stratafs/mgm/pkg/errors"
	"github.com/stratafs/mgm/pkg/utils"
)

// Pinger performs one liveness probe against host:port, returning an
// error if the peer did not answer within the context deadline. The
// concrete XRootD/MQ wire probe is left to the caller; this package
// only tracks the resulting state.
type Pinger func(ctx context.Context, host string, port int) error

// State is a peer's last-observed liveness.
type State int

const (
	StateUnknown State = iota
	StateUp
	StateDown
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Peer is one remote MGM/MQ endpoint under liveness tracking.
type Peer struct {
	Name string
	Host string
	Port int

	mu        sync.RWMutex
	state     State
	lastPing  time.Time
	lastError error
	breaker   *circuit.CircuitBreaker
}

// Status is an immutable snapshot of one peer's liveness, safe to read
// without holding any lock.
type Status struct {
	Name      string
	Host      string
	Port      int
	State     State
	LastPing  time.Time
	LastError string
}

func (p *Peer) snapshot() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Status{Name: p.Name, Host: p.Host, Port: p.Port, State: p.state, LastPing: p.lastPing}
	if p.lastError != nil {
		s.LastError = p.lastError.Error()
	}
	return s
}

// Manager tracks liveness for a fixed set of named peers, pinging them
// on an interval and exposing their current state to internal/master.
type Manager struct {
	pinger Pinger
	logger *utils.StructuredLogger

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewManager returns a Manager that probes peers with pinger. A nil
// logger installs a default one, matching the teacher's
// connection-manager pattern of never requiring callers to wire
// logging explicitly.
func NewManager(pinger Pinger, logger *utils.StructuredLogger) *Manager {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	return &Manager{pinger: pinger, logger: logger, peers: make(map[string]*Peer)}
}

// AddPeer registers a peer to track, or returns the existing one.
func (m *Manager) AddPeer(name, host string, port int) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[name]; ok {
		return p
	}
	p := &Peer{
		Name:    name,
		Host:    host,
		Port:    port,
		breaker: circuit.NewCircuitBreaker(name, circuit.Config{MaxRequests: 1, Interval: 30 * time.Second, Timeout: 15 * time.Second}),
	}
	m.peers[name] = p
	return p
}

// Peer returns the named peer, or nil.
func (m *Manager) Peer(name string) *Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[name]
}

// Peers returns a stable-order snapshot of all tracked peers.
func (m *Manager) Peers() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ping probes name once with timeout, updating its tracked state and
// returning the probe's error (nil on success). Probes against a
// tripped circuit breaker fail fast with ErrCodeOffline without
// touching the network (spec §4.5 "a peer that has failed repeatedly
// is treated as down without waiting out the full timeout each time").
func (m *Manager) Ping(ctx context.Context, name string, timeout time.Duration) error {
	p := m.Peer(name)
	if p == nil {
		return errors.NewError(errors.ErrCodeNotFound, "unknown peer").WithContext("peer", name)
	}

	err := p.breaker.Execute(func() error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return m.pinger(pctx, p.Host, p.Port)
	})

	p.mu.Lock()
	p.lastPing = time.Now()
	p.lastError = err
	if err != nil {
		p.state = StateDown
	} else {
		p.state = StateUp
	}
	p.mu.Unlock()

	if err != nil {
		m.logger.Debug("peer ping failed", map[string]interface{}{"peer": name, "error": err.Error()})
		return errors.NewError(errors.ErrCodeOffline, "peer unreachable").WithContext("peer", name).WithCause(err)
	}
	return nil
}

// IsUp reports whether name's last known state is up. An untracked
// peer is reported down.
func (m *Manager) IsUp(name string) bool {
	p := m.Peer(name)
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateUp
}

// Run pings every tracked peer once per tick until ctx is canceled.
// cmd/mgmd runs one Run loop for MGM peers and a separate one for MQ
// peers, both with the configured peer ping timeout (1s by default) as
// tick and timeout.
func (m *Manager) Run(ctx context.Context, tick, timeout time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			names := make([]string, 0, len(m.peers))
			for name := range m.peers {
				names = append(names, name)
			}
			m.mu.RUnlock()
			for _, name := range names {
				_ = m.Ping(ctx, name, timeout)
			}
		}
	}
}
