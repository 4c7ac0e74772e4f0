package ofs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratafs/mgm/internal/capability"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/layout"
	"github.com/stratafs/mgm/internal/namespace"
	"github.com/stratafs/mgm/internal/quota"
	"github.com/stratafs/mgm/internal/scheduler"
	"github.com/stratafs/mgm/pkg/errors"
)

type fakeNamespace struct {
	containers     map[namespace.ContainerID]*namespace.ContainerMD
	containerPaths map[namespace.ContainerID]string
	pathToCont     map[string]namespace.ContainerID

	files      map[namespace.FileID]*namespace.FileMD
	pathToFile map[string]namespace.FileID
	nextFID    namespace.FileID
}

func newFakeNamespace() *fakeNamespace {
	return &fakeNamespace{
		containers:     make(map[namespace.ContainerID]*namespace.ContainerMD),
		containerPaths: make(map[namespace.ContainerID]string),
		pathToCont:     make(map[string]namespace.ContainerID),
		files:          make(map[namespace.FileID]*namespace.FileMD),
		pathToFile:     make(map[string]namespace.FileID),
	}
}

func (n *fakeNamespace) addContainer(path string, cont *namespace.ContainerMD) {
	n.containers[cont.ID] = cont
	n.containerPaths[cont.ID] = path
	n.pathToCont[path] = cont.ID
}

func (n *fakeNamespace) addFile(path string, f *namespace.FileMD) {
	n.files[f.ID] = f
	n.pathToFile[path] = f.ID
	if f.ID >= n.nextFID {
		n.nextFID = f.ID + 1
	}
}

func (n *fakeNamespace) GetFile(ctx context.Context, id namespace.FileID) (*namespace.FileMD, error) {
	f, ok := n.files[id]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such file")
	}
	return f, nil
}

func (n *fakeNamespace) GetFileByPath(ctx context.Context, path string) (*namespace.FileMD, error) {
	id, ok := n.pathToFile[path]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such file")
	}
	return n.files[id], nil
}

func (n *fakeNamespace) CreateFile(ctx context.Context, parent namespace.ContainerID, name string, lid layout.ID, uid, gid uint32) (*namespace.FileMD, error) {
	parentPath, ok := n.containerPaths[parent]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such parent")
	}
	n.nextFID++
	f := &namespace.FileMD{ID: n.nextFID, ParentID: parent, Name: name, LayoutID: lid, UID: uid, GID: gid, CTime: time.Now(), MTime: time.Now()}
	path := parentPath
	if path != "/" {
		path += "/"
	}
	path += name
	n.addFile(path, f)
	return f, nil
}

func (n *fakeNamespace) UpdateFile(ctx context.Context, f *namespace.FileMD) error {
	n.files[f.ID] = f
	return nil
}

func (n *fakeNamespace) RemoveFile(ctx context.Context, id namespace.FileID) error {
	delete(n.files, id)
	for p, fid := range n.pathToFile {
		if fid == id {
			delete(n.pathToFile, p)
		}
	}
	return nil
}

func (n *fakeNamespace) GetContainer(ctx context.Context, id namespace.ContainerID) (*namespace.ContainerMD, error) {
	c, ok := n.containers[id]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such container")
	}
	return c, nil
}

func (n *fakeNamespace) GetContainerByPath(ctx context.Context, path string) (*namespace.ContainerMD, error) {
	id, ok := n.pathToCont[path]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such container")
	}
	return n.containers[id], nil
}

func (n *fakeNamespace) QuotaNodeFor(ctx context.Context, cid namespace.ContainerID) (*namespace.QuotaNode, error) {
	return nil, nil
}

type fakeMapper struct {
	id  Identity
	err error
}

func (m fakeMapper) Resolve(ctx context.Context, raw RawIdentity) (Identity, error) {
	return m.id, m.err
}

func newTestPipeline(t *testing.T, ns *fakeNamespace, view *fsview.FsView, id Identity) *Pipeline {
	t.Helper()
	return &Pipeline{
		Rewriter:      NewPathRewriter(),
		Identity:      fakeMapper{id: id},
		Bans:          NewBanList(),
		Rules:         NewAccessRuleSet(),
		Mtimes:        NewMtimeSidecar(),
		NS:            ns,
		Quota:         quota.New(ns),
		Sched:         scheduler.New(view),
		Caps:          capability.NewEngine(),
		View:          view,
		Manager:       "mgm1:1094",
		DefaultLayout: layout.New(layout.KindReplica, 2, layout.ChecksumAdler, layout.ChecksumNone, 2),
		DefaultSpace:  "default",
	}
}

func newOpenTestView(t *testing.T) *fsview.FsView {
	t.Helper()
	now := time.Now()
	view := fsview.New()
	a := &fsview.FileSystem{
		ID: 1, SpaceName: "default", GroupIndex: 0, Host: "fs1", Port: 1094, Path: "/data",
		ConfigStatus: fsview.ConfigRW, BootStatus: fsview.BootBooted, Heartbeat: now,
		Stat: fsview.Stat{FreeBytes: 1 << 30},
	}
	b := &fsview.FileSystem{
		ID: 2, SpaceName: "default", GroupIndex: 0, Host: "fs2", Port: 1094, Path: "/data",
		ConfigStatus: fsview.ConfigRW, BootStatus: fsview.BootBooted, Heartbeat: now,
		Stat: fsview.Stat{FreeBytes: 1 << 30},
	}
	require.NoError(t, view.RegisterFileSystem(a))
	require.NoError(t, view.RegisterFileSystem(b))
	return view
}

func TestOpenCreatesFileAndSignsCapability(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0777, UID: 0, GID: 0})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})

	res, err := p.Open(context.Background(), OpenRequest{
		Path:  "/file.dat",
		Flags: FlagWrite | FlagCreate,
	})
	require.NoError(t, err)
	require.Empty(t, res.Redirect)
	require.Zero(t, res.Stall)
	require.NotEmpty(t, res.Envelope)

	f, err := ns.GetFileByPath(context.Background(), "/file.dat")
	require.NoError(t, err)
	require.Len(t, f.Locations, 2)
}

func TestOpenExclusiveCreateOnExistingFails(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0777})
	ns.addFile("/file.dat", &namespace.FileMD{ID: 1, ParentID: 1, Name: "file.dat", Locations: []int{1, 2}})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})

	_, err := p.Open(context.Background(), OpenRequest{
		Path:  "/file.dat",
		Flags: FlagWrite | FlagCreate | FlagExclusive,
	})
	require.Error(t, err)
	mgmErr, ok := err.(*errors.MgmError)
	require.True(t, ok)
	require.Equal(t, errors.ErrCodeExists, mgmErr.Code)
}

func TestOpenMissingFileWithoutCreateRedirectsOnEnoentAttr(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{
		ID: 1, Mode: 0755,
		Attrs: map[string]string{namespace.AttrRedirectENOENT: "otherfs.example.org:1094"},
	})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})

	res, err := p.Open(context.Background(), OpenRequest{Path: "/missing.dat", Flags: FlagRead})
	require.NoError(t, err)
	require.Equal(t, "otherfs.example.org:1094", res.Redirect)
}

func TestOpenMissingFileWithoutCreateReturnsENOENT(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0755})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})

	_, err := p.Open(context.Background(), OpenRequest{Path: "/missing.dat", Flags: FlagRead})
	require.Error(t, err)
	mgmErr, ok := err.(*errors.MgmError)
	require.True(t, ok)
	require.Equal(t, errors.ErrCodeNotFound, mgmErr.Code)
}

func TestOpenDeniedByModeWithoutACL(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0700, UID: 0, GID: 0})
	ns.addFile("/file.dat", &namespace.FileMD{ID: 1, ParentID: 1, Name: "file.dat", Locations: []int{1, 2}})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 200, GID: 200})

	_, err := p.Open(context.Background(), OpenRequest{Path: "/file.dat", Flags: FlagRead})
	require.Error(t, err)
	mgmErr, ok := err.(*errors.MgmError)
	require.True(t, ok)
	require.Equal(t, errors.ErrCodeAccessDenied, mgmErr.Code)
}

func TestOpenBannedCallerRefused(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0755})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})
	p.Bans.BanUser(100)

	_, err := p.Open(context.Background(), OpenRequest{Path: "/file.dat", Flags: FlagRead})
	require.Error(t, err)
	mgmErr, ok := err.(*errors.MgmError)
	require.True(t, ok)
	require.Equal(t, errors.ErrCodeAccessDenied, mgmErr.Code)
}

func TestOpenGlobalWriteStallRule(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0755})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})
	p.Rules.Install(RuleWrite, AccessRule{Stall: 5 * time.Second})

	res, err := p.Open(context.Background(), OpenRequest{Path: "/file.dat", Flags: FlagWrite | FlagCreate})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, res.Stall)
}

func TestOpenNoLocationsReturnsENODEV(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0755})
	ns.addFile("/file.dat", &namespace.FileMD{ID: 1, ParentID: 1, Name: "file.dat"})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})

	_, err := p.Open(context.Background(), OpenRequest{Path: "/file.dat", Flags: FlagRead})
	require.Error(t, err)
	mgmErr, ok := err.(*errors.MgmError)
	require.True(t, ok)
	require.Equal(t, errors.ErrCodeNoDevice, mgmErr.Code)
}

func TestStatSharesAuthPrefixWithOpen(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0755, UID: 0, GID: 0})
	ns.addFile("/file.dat", &namespace.FileMD{ID: 1, ParentID: 1, Name: "file.dat", Locations: []int{1, 2}})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 100, GID: 100})

	f, err := p.Stat(context.Background(), RawIdentity{}, "/file.dat")
	require.NoError(t, err)
	require.Equal(t, namespace.FileID(1), f.ID)
}

func TestAccessDeniedForWriteOnReadOnlyMode(t *testing.T) {
	ns := newFakeNamespace()
	ns.addContainer("/", &namespace.ContainerMD{ID: 1, Mode: 0755, UID: 0, GID: 0})

	view := newOpenTestView(t)
	p := newTestPipeline(t, ns, view, Identity{UID: 200, GID: 200})

	err := p.Access(context.Background(), RawIdentity{}, "/file.dat", true)
	require.Error(t, err)
}

func TestPathRewriterAppliesLongestPrefix(t *testing.T) {
	r := NewPathRewriter()
	r.SetRule("/proj", "/vol1/proj")
	r.SetRule("/proj/archive", "/vol2/archive")

	got, err := r.Rewrite("/proj/archive/2024/report.csv")
	require.NoError(t, err)
	require.Equal(t, "/vol2/archive/2024/report.csv", got)

	got, err = r.Rewrite("/proj/src/main.go")
	require.NoError(t, err)
	require.Equal(t, "/vol1/proj/src/main.go", got)
}

func TestPathRewriterRejectsTraversalOutOfRule(t *testing.T) {
	r := NewPathRewriter()
	r.SetRule("/proj", "/vol1/proj")

	_, err := r.Rewrite("/proj/../../etc/passwd")
	require.Error(t, err)
}
