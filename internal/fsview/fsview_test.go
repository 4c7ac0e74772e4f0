package fsview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(id int, group int, space string) *FileSystem {
	return &FileSystem{
		ID:           id,
		Host:         "node1",
		Port:         1095,
		Path:         "/data01",
		GeoTag:       "eu::cern",
		GroupIndex:   group,
		SpaceName:    space,
		ConfigStatus: ConfigRW,
		BootStatus:   BootBooted,
		Heartbeat:    time.Now(),
	}
}

func TestRegisterFileSystemRejectsReservedID(t *testing.T) {
	v := New()
	err := v.RegisterFileSystem(&FileSystem{ID: NoFsID})
	assert.Error(t, err)
}

func TestRegisterFileSystemCreatesGroupsAndSpace(t *testing.T) {
	v := New()
	require.NoError(t, v.RegisterFileSystem(newTestFS(1, 0, "default")))
	require.NoError(t, v.RegisterFileSystem(newTestFS(2, 0, "default")))
	require.NoError(t, v.RegisterFileSystem(newTestFS(3, 2, "default")))

	sp := v.Space("default")
	require.NotNil(t, sp)
	require.Len(t, sp.Groups, 3)
	assert.Len(t, sp.Groups[0].FileSystems, 2)
	assert.Len(t, sp.Groups[1].FileSystems, 0)
	assert.Len(t, sp.Groups[2].FileSystems, 1)
}

func TestLookupAndSnapshot(t *testing.T) {
	v := New()
	require.NoError(t, v.RegisterFileSystem(newTestFS(7, 0, "default")))

	fs := v.Lookup(7)
	require.NotNil(t, fs)
	assert.Equal(t, "node1", fs.Host)

	snap, ok := v.Snapshot(7)
	require.True(t, ok)
	assert.Equal(t, 7, snap.ID)
	assert.Equal(t, ConfigRW, snap.ConfigStatus)

	_, ok = v.Snapshot(999)
	assert.False(t, ok)
}

func TestSetDrainStatusEnablesDrainerAcrossGroup(t *testing.T) {
	v := New()
	require.NoError(t, v.RegisterFileSystem(newTestFS(1, 0, "default")))
	require.NoError(t, v.RegisterFileSystem(newTestFS(2, 0, "default")))
	require.NoError(t, v.RegisterFileSystem(newTestFS(3, 1, "default")))

	ok := v.SetDrainStatus(1, Draining)
	require.True(t, ok)

	snap1, _ := v.Snapshot(1)
	snap2, _ := v.Snapshot(2)
	snap3, _ := v.Snapshot(3)
	assert.True(t, snap1.Drainer)
	assert.True(t, snap2.Drainer, "peer in the same group must pull for the draining member")
	assert.False(t, snap3.Drainer, "a different group must not be affected")

	ok = v.SetDrainStatus(1, Drained)
	require.True(t, ok)
	snap1, _ = v.Snapshot(1)
	snap2, _ = v.Snapshot(2)
	assert.False(t, snap1.Drainer, "drainer must clear once no member of the group is draining")
	assert.False(t, snap2.Drainer)
}

func TestSetConfigStatusFiresHook(t *testing.T) {
	v := New()
	fs := newTestFS(9, 0, "default")

	var gotOld, gotNew ConfigStatus
	calls := 0
	fs.AddConfigStatusHook(func(_ *FileSystem, old, new ConfigStatus) {
		calls++
		gotOld, gotNew = old, new
	})
	require.NoError(t, v.RegisterFileSystem(fs))

	ok := v.SetConfigStatus(9, ConfigDrain)
	require.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ConfigRW, gotOld)
	assert.Equal(t, ConfigDrain, gotNew)

	// Setting to the same status again must not re-fire the hook.
	ok = v.SetConfigStatus(9, ConfigDrain)
	require.True(t, ok)
	assert.Equal(t, 1, calls)
}

func TestConfigStatusAtLeast(t *testing.T) {
	assert.True(t, ConfigRW.AtLeast(ConfigRO))
	assert.True(t, ConfigRO.AtLeast(ConfigRO))
	assert.False(t, ConfigDrain.AtLeast(ConfigRO))
	assert.False(t, ConfigOff.AtLeast(ConfigDrain))
}

func TestHeartbeatFresh(t *testing.T) {
	now := time.Now()
	snap := Snapshot{Heartbeat: now.Add(-2 * time.Second)}
	assert.True(t, snap.HeartbeatFresh(now, 5*time.Second))
	assert.False(t, snap.HeartbeatFresh(now, 1*time.Second))
}

func TestGroupAverageUsedBytes(t *testing.T) {
	v := New()
	a := newTestFS(1, 0, "default")
	a.Stat.UsedBytes = 100
	b := newTestFS(2, 0, "default")
	b.Stat.UsedBytes = 300
	c := newTestFS(3, 0, "default")
	c.BootStatus = BootDown
	c.Stat.UsedBytes = 10000 // excluded: not booted

	require.NoError(t, v.RegisterFileSystem(a))
	require.NoError(t, v.RegisterFileSystem(b))
	require.NoError(t, v.RegisterFileSystem(c))

	g := v.Group("default", 0)
	require.NotNil(t, g)
	assert.Equal(t, int64(200), g.AverageUsedBytes())
}

func TestUpdateStatAndHeartbeat(t *testing.T) {
	v := New()
	require.NoError(t, v.RegisterFileSystem(newTestFS(5, 0, "default")))

	ok := v.UpdateStat(5, func(s *Stat) { s.FreeBytes = 42 })
	require.True(t, ok)
	snap, _ := v.Snapshot(5)
	assert.Equal(t, int64(42), snap.Stat.FreeBytes)

	now := time.Now()
	ok = v.Heartbeat(5, now)
	require.True(t, ok)
	snap, _ = v.Snapshot(5)
	assert.True(t, snap.Heartbeat.Equal(now))

	assert.False(t, v.UpdateStat(999, func(*Stat) {}))
	assert.False(t, v.Heartbeat(999, now))
}
