package master

import (
	"context"
	"time"

	"github.com/stratafs/mgm/pkg/errors"
)

// ChangeLog is the narrow contract internal/master needs from the
// namespace change-log subsystem to drive promotion/demotion and
// compaction (spec §4.5). It is deliberately separate from
// internal/namespace.View, which serves request-path metadata lookups
// rather than the changelog's own lifecycle.
type ChangeLog interface {
	// SetWriterMode switches between follower replay and active
	// writing.
	SetWriterMode(writer bool) error
	// SetReadOnly stops accepting new entries without tearing the
	// subsystem down.
	SetReadOnly(ro bool) error
	// Size reports the current file and directory changelog sizes in
	// bytes, used to compare against a peer's before promoting.
	Size() (files, dirs int64, err error)
	// Rename moves the current changelog files aside to suffix
	// (typically an epoch), as step 1 of promotion.
	Rename(suffix string) error
	// Reboot tears down and re-initializes the subsystem, optionally as
	// a follower polling at pollInterval (pollInterval == 0 means
	// active writer mode).
	Reboot(ctx context.Context, pollInterval time.Duration) error
	// AdvanceTo replays the local log up to the given remote offset,
	// used by the follow thread armed after master-ro→slave (spec
	// §4.5's "arm a follow thread that advances to the observed remote
	// change-log offset before lifting stalls").
	AdvanceTo(ctx context.Context, remoteOffset int64) error
}

// RemoteSync controls the background replication daemon that mirrors
// changes to a passive peer.
type RemoteSync interface {
	Stop() error
	Start() error
}

// Recycler controls the background deletion/recycling worker, which
// must not run while the local namespace is not the active writer.
type Recycler interface {
	Start() error
	Stop() error
}

// PeerLog queries the remote peer's changelog sizes and current offset
// for the divergence check in SlaveToMaster and the follow thread in
// MasterROToSlave.
type PeerLog interface {
	Sizes(ctx context.Context, peer string) (files, dirs int64, err error)
	Offset(ctx context.Context, peer string) (int64, error)
}

var errDivergentLog = errors.NewError(errors.ErrCodeInternal, "peer changelog size diverges from local, refusing promotion")

// SlaveToMaster promotes this process from slave-ro to master-rw (spec
// §4.5). Any failure reverts running state to RunningSlaveRO and
// restarts the sync daemon.
func (c *Controller) SlaveToMaster(ctx context.Context, cl ChangeLog, sync RemoteSync, rec Recycler, peerLog PeerLog, peer string, epoch string) error {
	c.mu.Lock()
	c.running = RunningTransition
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.running = RunningSlaveRO
		c.mu.Unlock()
		if sync != nil {
			_ = sync.Start()
		}
		return err
	}

	// Block draining/balancing admission for up to an hour (spec's
	// "block for 1 hour any draining/balancing admission"); drain.Engine
	// and balance.Engine check AdmitNewRounds before starting new work,
	// which refuses for the rest of this window even once the
	// transition itself has finished below.
	c.mu.Lock()
	c.promotionDeadline = time.Now().Add(time.Hour)
	c.mu.Unlock()

	if sync != nil {
		if err := sync.Stop(); err != nil {
			return fail(err)
		}
	}

	if peerLog != nil {
		localFiles, localDirs, err := cl.Size()
		if err != nil {
			return fail(err)
		}
		peerFiles, peerDirs, err := peerLog.Sizes(ctx, peer)
		if err != nil {
			return fail(err)
		}
		if localFiles != peerFiles || localDirs != peerDirs {
			return fail(errDivergentLog)
		}
	}

	if err := cl.Rename(epoch); err != nil {
		return fail(err)
	}
	if err := cl.SetWriterMode(true); err != nil {
		return fail(err)
	}
	if rec != nil {
		if err := rec.Start(); err != nil {
			return fail(err)
		}
	}

	c.mu.Lock()
	c.role = RoleMasterRW
	c.running = RunningMasterRW
	c.mu.Unlock()
	return nil
}

// MasterToMasterRO demotes this process from master-rw to master-ro,
// waiting for any in-progress compaction cycle to finish first (spec
// §4.5).
func (c *Controller) MasterToMasterRO(cl ChangeLog, rec Recycler) error {
	c.comp.waitIdle()

	c.mu.Lock()
	c.running = RunningTransition
	c.mu.Unlock()

	if err := cl.SetReadOnly(true); err != nil {
		c.mu.Lock()
		c.running = RunningMasterRW
		c.mu.Unlock()
		return err
	}
	if rec != nil {
		_ = rec.Stop()
	}

	c.mu.Lock()
	c.role = RoleMasterRO
	c.running = RunningMasterRO
	c.mu.Unlock()
	return nil
}

// MasterROToSlave demotes this process from master-ro to slave-ro,
// installing stalls, rebooting the namespace as a follower, and arming
// a follow thread that advances to the peer's observed offset before
// lifting the stalls (spec §4.5).
func (c *Controller) MasterROToSlave(ctx context.Context, cl ChangeLog, peerLog PeerLog, peer string, pollInterval time.Duration) error {
	c.mu.Lock()
	c.running = RunningTransition
	peerUp := false
	if c.mgmPeers != nil {
		peerUp = c.mgmPeers.IsUp(peer)
	}
	readStall := c.cfg.ReadStallPeriod
	if !peerUp {
		readStall = c.cfg.WriteStallPeriod
	}
	c.policy = AccessPolicy{WriteStall: c.cfg.WriteStallPeriod, GeneralStall: readStall}
	c.mu.Unlock()

	if err := cl.Reboot(ctx, pollInterval); err != nil {
		return err
	}

	if peerLog != nil {
		offset, err := peerLog.Offset(ctx, peer)
		if err == nil {
			_ = cl.AdvanceTo(ctx, offset)
		}
	}

	c.mu.Lock()
	c.role = RoleSlaveRO
	c.running = RunningSlaveRO
	c.policy = AccessPolicy{}
	c.mu.Unlock()
	return nil
}
