package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/mgm/internal/peerconn"
)

func upPinger(context.Context, string, int) error  { return nil }
func downPinger(context.Context, string, int) error { return assert.AnError }

func newTestController(t *testing.T, pinger peerconn.Pinger, diskProbe DiskProbe, peerMaster func(string) (bool, bool)) *Controller {
	t.Helper()
	mgm := peerconn.NewManager(pinger, nil)
	mgm.AddPeer("peer", "peer.local", 1094)
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	cfg.PeerPingTimeout = 50 * time.Millisecond
	c := New(cfg, mgm, nil, diskProbe, func(name string) (bool, bool) { return peerMaster(name) }, nil)
	c.localPeer = "peer"
	return c
}

func TestAdmitNewRoundsDefaultsTrue(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return false, false })
	assert.True(t, c.AdmitNewRounds())
}

func TestAdmitNewRoundsFalseDuringTransition(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return false, false })
	c.mu.Lock()
	c.running = RunningTransition
	c.mu.Unlock()
	assert.False(t, c.AdmitNewRounds())
}

func TestTickSlavePeerMasterInstallsRedirect(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return true, true })
	c.tick(context.Background())
	p := c.Policy()
	assert.Equal(t, "peer", p.WriteRedirect)
	assert.Equal(t, "peer", p.ENOENTRedirect)
	assert.Zero(t, p.WriteStall)
}

func TestTickSlavePeerDownInstallsWriteStall(t *testing.T) {
	c := newTestController(t, downPinger, nil, func(string) (bool, bool) { return false, false })
	c.tick(context.Background())
	p := c.Policy()
	assert.Equal(t, c.cfg.WriteStallPeriod, p.WriteStall)
	assert.Empty(t, p.WriteRedirect)
}

func TestTickDualMasterInstallsAlarm(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return true, true })
	c.SetRole(RoleMasterRW)
	c.tick(context.Background())
	p := c.Policy()
	assert.True(t, p.DualMasterAlarm)
	assert.Equal(t, c.cfg.WriteStallPeriod, p.WriteStall)
}

func TestTickDiskFullStallsMasterWrites(t *testing.T) {
	full := func() (uint64, error) { return 10 << 20, nil }
	c := newTestController(t, upPinger, full, func(string) (bool, bool) { return false, false })
	c.SetRole(RoleMasterRW)
	c.tick(context.Background())
	p := c.Policy()
	assert.Equal(t, c.cfg.WriteStallPeriod, p.WriteStall)
}

type fakeChangeLog struct {
	mu        sync.Mutex
	writer    bool
	ro        bool
	renamed   string
	rebootPoll time.Duration
	offset    int64
}

func (f *fakeChangeLog) SetWriterMode(w bool) error { f.mu.Lock(); defer f.mu.Unlock(); f.writer = w; return nil }
func (f *fakeChangeLog) SetReadOnly(ro bool) error  { f.mu.Lock(); defer f.mu.Unlock(); f.ro = ro; return nil }
func (f *fakeChangeLog) Size() (int64, int64, error) { return 100, 10, nil }
func (f *fakeChangeLog) Rename(suffix string) error { f.mu.Lock(); defer f.mu.Unlock(); f.renamed = suffix; return nil }
func (f *fakeChangeLog) Reboot(ctx context.Context, poll time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebootPoll = poll
	return nil
}
func (f *fakeChangeLog) AdvanceTo(ctx context.Context, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = offset
	return nil
}

type fakeSync struct{ stopped, started bool }

func (s *fakeSync) Stop() error  { s.stopped = true; return nil }
func (s *fakeSync) Start() error { s.started = true; return nil }

type fakeRecycler struct{ running bool }

func (r *fakeRecycler) Start() error { r.running = true; return nil }
func (r *fakeRecycler) Stop() error  { r.running = false; return nil }

type fakePeerLog struct{ files, dirs, offset int64 }

func (p *fakePeerLog) Sizes(ctx context.Context, peer string) (int64, int64, error) {
	return p.files, p.dirs, nil
}
func (p *fakePeerLog) Offset(ctx context.Context, peer string) (int64, error) { return p.offset, nil }

func TestSlaveToMasterPromotesOnMatchingLogs(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return false, false })
	cl := &fakeChangeLog{}
	sy := &fakeSync{}
	rec := &fakeRecycler{}
	pl := &fakePeerLog{files: 100, dirs: 10}

	err := c.SlaveToMaster(context.Background(), cl, sy, rec, pl, "peer", "20260729T000000")
	require.NoError(t, err)
	assert.Equal(t, RoleMasterRW, c.Role())
	assert.Equal(t, RunningMasterRW, c.RunningState())
	assert.True(t, cl.writer)
	assert.True(t, sy.stopped)
	assert.True(t, rec.running)
	assert.Equal(t, "20260729T000000", cl.renamed)
	assert.False(t, c.AdmitNewRounds(), "drain/balance admission must stay blocked for the post-promotion window")
}

func TestSlaveToMasterRefusesDivergentLog(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return false, false })
	cl := &fakeChangeLog{}
	sy := &fakeSync{}
	pl := &fakePeerLog{files: 999, dirs: 10}

	err := c.SlaveToMaster(context.Background(), cl, sy, nil, pl, "peer", "epoch")
	require.Error(t, err)
	assert.Equal(t, RoleSlaveRO, c.Role())
	assert.True(t, sy.started, "sync daemon must restart after a failed promotion")
}

func TestMasterToMasterROWaitsForCompactionThenDemotes(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return false, false })
	c.SetRole(RoleMasterRW)
	cl := &fakeChangeLog{}
	rec := &fakeRecycler{running: true}

	err := c.MasterToMasterRO(cl, rec)
	require.NoError(t, err)
	assert.Equal(t, RoleMasterRO, c.Role())
	assert.True(t, cl.ro)
	assert.False(t, rec.running)
}

func TestMasterROToSlaveReboosAsFollowerAndAdvances(t *testing.T) {
	c := newTestController(t, upPinger, nil, func(string) (bool, bool) { return false, false })
	c.SetRole(RoleMasterRO)
	cl := &fakeChangeLog{}
	pl := &fakePeerLog{offset: 42}

	err := c.MasterROToSlave(context.Background(), cl, pl, "peer", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, RoleSlaveRO, c.Role())
	assert.Equal(t, 5*time.Second, cl.rebootPoll)
	assert.Equal(t, int64(42), cl.offset)
	assert.Zero(t, c.Policy().WriteStall)
}
