package drain

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/mgm/internal/fsview"
)

type fakeFiles struct {
	mu      sync.Mutex
	byFS    map[int][]uint64
	sizes   map[uint64]uint64
	writers map[int]bool
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{byFS: make(map[int][]uint64), sizes: make(map[uint64]uint64), writers: make(map[int]bool)}
}

func (f *fakeFiles) FilesOnFS(fsid int) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.byFS[fsid]))
	copy(out, f.byFS[fsid])
	return out
}

func (f *fakeFiles) FileSize(fid uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sizes[fid]
	return s, ok
}

func (f *fakeFiles) PendingWriters(fsid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writers[fsid]
}

func (f *fakeFiles) popFront(fsid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.byFS[fsid]) > 0 {
		f.byFS[fsid] = f.byFS[fsid][1:]
	}
}

func testConfig() Config {
	return Config{
		ServiceDelay:   10 * time.Millisecond,
		SampleInterval: 5 * time.Millisecond,
		StallThreshold: time.Hour,
		MaxRetry:       1,
	}
}

func newTestFS(id int) *fsview.FileSystem {
	return &fsview.FileSystem{ID: id, SpaceName: "default", ConfigStatus: fsview.ConfigRW, BootStatus: fsview.BootBooted}
}

func TestDrainEmptyFSGoesStraightToDrained(t *testing.T) {
	view := fsview.New()
	fs := newTestFS(1)
	files := newFakeFiles()

	e := New(view, files, testConfig(), nil, nil)
	fs.AddConfigStatusHook(e.Hook())
	require.NoError(t, view.RegisterFileSystem(fs))

	view.SetConfigStatus(1, fsview.ConfigDrain)
	require.Eventually(t, func() bool {
		snap, _ := view.Snapshot(1)
		return snap.ConfigStatus == fsview.ConfigEmpty
	}, time.Second, time.Millisecond)

	snap, _ := view.Snapshot(1)
	assert.Equal(t, fsview.Drained, snap.DrainStatus)
}

func TestDrainDrainsAllFiles(t *testing.T) {
	view := fsview.New()
	fs := newTestFS(2)
	files := newFakeFiles()
	files.byFS[2] = []uint64{1, 2, 3}
	files.sizes[1], files.sizes[2], files.sizes[3] = 10, 20, 30

	e := New(view, files, testConfig(), nil, nil)
	fs.AddConfigStatusHook(e.Hook())
	require.NoError(t, view.RegisterFileSystem(fs))

	view.SetConfigStatus(2, fsview.ConfigDrain)

	require.Eventually(t, func() bool {
		snap, _ := view.Snapshot(2)
		return snap.DrainStatus == fsview.Draining
	}, time.Second, time.Millisecond)

	// Simulate FST replication progress: files leave the source one at
	// a time.
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		files.popFront(2)
	}

	require.Eventually(t, func() bool {
		snap, _ := view.Snapshot(2)
		return snap.ConfigStatus == fsview.ConfigEmpty
	}, 2*time.Second, 5*time.Millisecond)

	snap, _ := view.Snapshot(2)
	assert.Equal(t, fsview.Drained, snap.DrainStatus)
	assert.Equal(t, float64(100), snap.Stat.DrainProgress)
}

func TestDrainCancelledByOperatorResetsState(t *testing.T) {
	view := fsview.New()
	fs := newTestFS(3)
	files := newFakeFiles()
	files.byFS[3] = []uint64{1}
	files.sizes[1] = 5

	e := New(view, files, testConfig(), nil, nil)
	fs.AddConfigStatusHook(e.Hook())
	require.NoError(t, view.RegisterFileSystem(fs))

	view.SetConfigStatus(3, fsview.ConfigDrain)
	require.Eventually(t, func() bool {
		return e.Running(3)
	}, time.Second, time.Millisecond)

	view.SetConfigStatus(3, fsview.ConfigRW)
	assert.False(t, e.Running(3))

	snap, _ := view.Snapshot(3)
	assert.Equal(t, fsview.DrainNone, snap.DrainStatus)
	assert.Equal(t, int64(0), snap.Stat.DrainFiles)
}

type fakeGate struct{ admit bool }

func (g fakeGate) AdmitNewRounds() bool { return g.admit }

func TestDrainRefusesNewJobWhileGateClosed(t *testing.T) {
	view := fsview.New()
	fs := newTestFS(4)
	files := newFakeFiles()

	e := New(view, files, testConfig(), nil, nil)
	e.SetAdmissionGate(fakeGate{admit: false})
	fs.AddConfigStatusHook(e.Hook())
	require.NoError(t, view.RegisterFileSystem(fs))

	view.SetConfigStatus(4, fsview.ConfigDrain)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, e.Running(4), "promotion barrier must block new drain jobs")
}
