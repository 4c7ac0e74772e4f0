package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/mgm/internal/layout"
	"github.com/stratafs/mgm/internal/namespace"
)

// fakeView is a minimal in-memory namespace.View for quota tests.
type fakeView struct {
	containers map[string]*namespace.ContainerMD
}

func newFakeView() *fakeView {
	return &fakeView{containers: make(map[string]*namespace.ContainerMD)}
}

func (v *fakeView) GetFile(ctx context.Context, id namespace.FileID) (*namespace.FileMD, error) {
	return nil, nil
}
func (v *fakeView) GetFileByPath(ctx context.Context, path string) (*namespace.FileMD, error) {
	return nil, nil
}
func (v *fakeView) CreateFile(ctx context.Context, parent namespace.ContainerID, name string, lid layout.ID, uid, gid uint32) (*namespace.FileMD, error) {
	return nil, nil
}
func (v *fakeView) UpdateFile(ctx context.Context, f *namespace.FileMD) error { return nil }
func (v *fakeView) RemoveFile(ctx context.Context, id namespace.FileID) error { return nil }

func (v *fakeView) GetContainer(ctx context.Context, id namespace.ContainerID) (*namespace.ContainerMD, error) {
	for _, c := range v.containers {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}
func (v *fakeView) GetContainerByPath(ctx context.Context, path string) (*namespace.ContainerMD, error) {
	return v.containers[path], nil
}
func (v *fakeView) QuotaNodeFor(ctx context.Context, cid namespace.ContainerID) (*namespace.QuotaNode, error) {
	for _, c := range v.containers {
		if c.ID == cid {
			return c.QuotaNode, nil
		}
	}
	return nil, nil
}

func TestSetQuotaAndCheckUserSufficient(t *testing.T) {
	ctx := context.Background()
	view := newFakeView()
	view.containers["/home/alice"] = &namespace.ContainerMD{ID: 1, QuotaNode: namespace.NewQuotaNode(1)}

	e := New(view)
	require.NoError(t, e.SetQuota(ctx, "/home/alice", TagUserBytesTarget, 100, 1<<30))
	require.NoError(t, e.SetQuota(ctx, "/home/alice", TagUserFilesTarget, 100, 1000))

	ok, err := e.Check(ctx, "/home/alice", 100, 200, 1024, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckBypassesForRoot(t *testing.T) {
	ctx := context.Background()
	view := newFakeView()
	e := New(view)
	ok, err := e.Check(ctx, "/anything", 0, 0, 1<<40, 1<<20)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckDeniesWhenOverTarget(t *testing.T) {
	ctx := context.Background()
	view := newFakeView()
	view.containers["/data"] = &namespace.ContainerMD{ID: 2, QuotaNode: namespace.NewQuotaNode(2)}
	e := New(view)
	require.NoError(t, e.SetQuota(ctx, "/data", TagUserBytesTarget, 7, 1024))
	require.NoError(t, e.SetQuota(ctx, "/data", TagUserFilesTarget, 7, 10))

	e.mu.RLock()
	sq := e.byPath["/data/"]
	e.mu.RUnlock()
	sq.node.Book(7, 0, 0, 1023, 1) // userBytesIs = 1023, target = 1024

	ok, err := e.Check(ctx, "/data", 7, 0, 2048, 1) // 2 KiB request, only 1 byte remains
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRmQuotaRemovesTarget(t *testing.T) {
	ctx := context.Background()
	view := newFakeView()
	view.containers["/x"] = &namespace.ContainerMD{ID: 3, QuotaNode: namespace.NewQuotaNode(3)}
	e := New(view)
	require.NoError(t, e.SetQuota(ctx, "/x", TagUserBytesTarget, 1, 100))
	require.NoError(t, e.RmQuota("/x", TagUserBytesTarget, 1))

	e.mu.RLock()
	sq := e.byPath["/x/"]
	e.mu.RUnlock()
	sq.mu.RLock()
	defer sq.mu.RUnlock()
	assert.False(t, definedTarget(sq.userTargets[1]))
}

func TestLogicalBytesTarget(t *testing.T) {
	assert.Equal(t, uint64(500), LogicalBytesTarget(1000, 2.0))
	assert.Equal(t, uint64(1000), LogicalBytesTarget(1000, 0.5)) // capped at 1.0
}

func TestPrintOut(t *testing.T) {
	ctx := context.Background()
	view := newFakeView()
	view.containers["/r"] = &namespace.ContainerMD{ID: 4, QuotaNode: namespace.NewQuotaNode(4)}
	e := New(view)
	require.NoError(t, e.SetQuota(ctx, "/r", TagUserBytesTarget, 1, 100))

	e.mu.RLock()
	sq := e.byPath["/r/"]
	e.mu.RUnlock()
	sq.node.Book(1, 0, 0, 10, 1)

	reports := e.PrintOut("/r", nil, nil, false, false)
	require.Len(t, reports, 2) // Book fills both the uid 1 and the gid 0 table
	assert.Equal(t, uint64(10), reports[0].BytesIs)
	assert.Equal(t, uint64(100), reports[0].BytesTarget)
}
