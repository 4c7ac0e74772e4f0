// Package master implements component I: the master/slave role state
// machine of spec §4.5 — peer liveness, the access-policy rules derived
// from it, operator-invoked role transitions, and changelog compaction.
//
// Grounded on internal/distributed/consensus.go's ConsensusEngine
// (term/role state machine driven by a background election/heartbeat
// loop pair) and internal/distributed/gossip.go's peer-liveness
// message shape, generalized from Raft's majority-vote leader election
// to the spec's simpler two-peer master/slave pair with an explicit
// operator-invoked promotion instead of automatic election. Peer
// liveness itself is delegated to internal/peerconn rather than
// reimplemented here.
package master

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratafs/mgm/internal/peerconn"
	"github.com/stratafs/mgm/pkg/utils"
)

// Role is a process's current writer role (spec §4.5).
type Role int

const (
	RoleSlaveRO Role = iota
	RoleMasterRW
	RoleMasterRO
)

func (r Role) String() string {
	switch r {
	case RoleMasterRW:
		return "master-rw"
	case RoleMasterRO:
		return "master-ro"
	default:
		return "slave-ro"
	}
}

// RunningState tracks the supervisor's own lifecycle, separately from
// Role, since a transition leaves the process between roles for its
// duration (spec §4.5 "a process has a role plus a running state").
type RunningState int

const (
	RunningNothing RunningState = iota
	RunningTransition
	RunningMasterRW
	RunningMasterRO
	RunningSlaveRO
)

func (s RunningState) String() string {
	switch s {
	case RunningTransition:
		return "transition"
	case RunningMasterRW:
		return "master-rw"
	case RunningMasterRO:
		return "master-ro"
	case RunningSlaveRO:
		return "slave-ro"
	default:
		return "nothing"
	}
}

// AccessPolicy is the stall/redirect configuration the supervisor loop
// derives every tick from peer liveness (spec §4.5 "Access policy
// derived from the supervisor").
type AccessPolicy struct {
	WriteStall      time.Duration // 0 disables
	GeneralStall    time.Duration // 0 disables
	WriteRedirect   string        // peer host:port, empty disables
	ENOENTRedirect  string        // peer host:port, empty disables
	DualMasterAlarm bool          // both sides claim master-rw
}

// DiskProbe reports free space on the namespace change-log partition
// (spec §4.5 "disk-full signal when <100 MiB free"). The real
// implementation wraps golang.org/x/sys/unix.Statfs; tests supply a
// fake.
type DiskProbe func() (freeBytes uint64, err error)

// Config carries the supervisor's tunables (spec §4.5).
type Config struct {
	TickInterval     time.Duration // 1s, the supervisor loop rate
	PeerPingTimeout  time.Duration // 1s, MGM and MQ peer pings
	DiskFullMargin   uint64        // 100 MiB
	WriteStallPeriod time.Duration // 60s
	ReadStallPeriod  time.Duration // 100s peer up / 60s peer down
}

// DefaultConfig matches the spec §4.5 defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		PeerPingTimeout:  time.Second,
		DiskFullMargin:   100 << 20,
		WriteStallPeriod: 60 * time.Second,
		ReadStallPeriod:  100 * time.Second,
	}
}

// Controller owns the supervisor loop, the derived AccessPolicy, and
// the role/running-state pair for one MGM process.
type Controller struct {
	cfg        Config
	mgmPeers   *peerconn.Manager
	mqPeers    *peerconn.Manager
	diskProbe  DiskProbe
	logger     *utils.StructuredLogger
	localPeer  string // name this process pings to learn the peer's role
	peerMaster func(name string) (isMasterRW bool, ok bool)

	mu                sync.RWMutex
	role              Role
	running           RunningState
	policy            AccessPolicy
	diskFull          bool
	preFullStall      time.Duration // WriteStall value stashed across a disk-full episode
	promotionDeadline time.Time     // zero once the post-promotion admission barrier has lifted

	comp *Compaction
}

// New returns a Controller in RunningNothing/RoleSlaveRO, matching the
// spec's boot sequence before the lock-file role check runs (callers
// set the initial role explicitly via SetRole after that check).
func New(cfg Config, mgmPeers, mqPeers *peerconn.Manager, diskProbe DiskProbe, peerMaster func(name string) (bool, bool), logger *utils.StructuredLogger) *Controller {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	c := &Controller{
		cfg: cfg, mgmPeers: mgmPeers, mqPeers: mqPeers, diskProbe: diskProbe,
		peerMaster: peerMaster, logger: logger,
		role: RoleSlaveRO, running: RunningNothing,
	}
	c.comp = newCompaction(c)
	return c
}

// SetLocalPeer names the peer entry this process pings in mgmPeers and
// mqPeers to learn its partner's liveness and role. It must be set
// before Run starts the supervisor loop.
func (c *Controller) SetLocalPeer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localPeer = name
}

// SetRole sets the initial role decided by the boot-time lock-file
// check (spec §4.5 "the presence of a lock file on disk elects local
// role"). It does not run a transition; it is only for the process's
// very first role assignment.
func (c *Controller) SetRole(r Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = r
	switch r {
	case RoleMasterRW:
		c.running = RunningMasterRW
	case RoleMasterRO:
		c.running = RunningMasterRO
	default:
		c.running = RunningSlaveRO
	}
}

// Role returns the current role.
func (c *Controller) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// RunningState returns the current running state.
func (c *Controller) RunningState() RunningState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// AdmitNewRounds reports whether internal/drain and internal/balance
// may start new work right now. It refuses while a transition is in
// progress and for up to an hour after a slave→master promotion (spec
// §4.5, §5 "Ordering guarantees": the barrier eliminates write races
// against a namespace that is still replaying). drain.Engine and
// balance.Engine hold a reference to the Controller through this
// narrow method and check it before admitting a drain job or a
// balance round.
func (c *Controller) AdmitNewRounds() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.running == RunningTransition {
		return false
	}
	return c.promotionDeadline.IsZero() || !time.Now().Before(c.promotionDeadline)
}

// Policy returns the currently installed access policy.
func (c *Controller) Policy() AccessPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// Compaction returns the controller's changelog compaction scheduler,
// for callers that need to Configure it or install an Archiver before
// Run starts the supervisor/compaction loop pair.
func (c *Controller) Compaction() *Compaction {
	return c.comp
}

// Run starts the 1Hz supervisor loop plus the compaction scheduler as
// a fixed set of long-lived loops for the process's lifetime — the one
// place in this codebase where golang.org/x/sync/errgroup fits: unlike
// drain/balance's dynamically-started per-key jobs, these two loops
// are always both running together and always stopped together.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.supervisorLoop(ctx)
		return nil
	})
	g.Go(func() error {
		c.comp.loop(ctx)
		return nil
	})
	return g.Wait()
}

func (c *Controller) supervisorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick implements one supervisor pass: ping peers, probe disk, and
// derive the access policy (spec §4.5).
func (c *Controller) tick(ctx context.Context) {
	if c.mgmPeers != nil {
		_ = c.mgmPeers.Ping(ctx, c.localPeer, c.cfg.PeerPingTimeout)
	}
	if c.mqPeers != nil {
		_ = c.mqPeers.Ping(ctx, c.localPeer, c.cfg.PeerPingTimeout)
	}

	peerUp := c.mgmPeers != nil && c.mgmPeers.IsUp(c.localPeer)
	peerIsMasterRW := false
	if c.peerMaster != nil {
		peerIsMasterRW, _ = c.peerMaster(c.localPeer)
	}

	diskFull := false
	if c.diskProbe != nil {
		if free, err := c.diskProbe(); err == nil {
			diskFull = free < c.cfg.DiskFullMargin
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	role := c.role
	var policy AccessPolicy

	switch {
	case role != RoleMasterRW && peerUp && peerIsMasterRW:
		policy.WriteRedirect = c.localPeer
		policy.ENOENTRedirect = c.localPeer
	case role != RoleMasterRW && !peerUp:
		policy.WriteStall = c.cfg.WriteStallPeriod
	case role == RoleMasterRW && peerIsMasterRW:
		policy.WriteStall = c.cfg.WriteStallPeriod
		policy.DualMasterAlarm = true
		c.logger.Error("dual master detected", map[string]interface{}{"peer": c.localPeer})
	}

	if role == RoleMasterRW {
		if diskFull && !c.diskFull {
			c.preFullStall = policy.WriteStall
			policy.WriteStall = c.cfg.WriteStallPeriod
		} else if !diskFull && c.diskFull {
			policy.WriteStall = c.preFullStall
		} else if diskFull {
			policy.WriteStall = c.cfg.WriteStallPeriod
		}
	}
	c.diskFull = diskFull
	c.policy = policy
}
