// Package namespace declares the data types and narrow consumer
// interfaces the MGM core uses to talk to the directory/file tree
// (component B). The tree itself — its on-disk change-log
// representation and compaction format — is an external collaborator
// per spec §1; this package only describes the shape every other
// package is allowed to depend on, the same narrow-interface style as
// a Backend/Cache/WriteBuffer contract declared once instead of
// depending on a concrete storage implementation.
package namespace

import (
	"context"
	"time"

	"github.com/stratafs/mgm/internal/layout"
)

// FileID and ContainerID are the 64-bit identifiers carried throughout
// the core (spec §3 "fid" / "cid").
type FileID uint64
type ContainerID uint64

// NoFsID mirrors fsview.NoFsID without importing internal/fsview, since
// a bare int fsid is the unit namespace deals in (locations are stored
// as ids, not as *fsview.FileSystem).
const NoFsID = 0

// FileMD is one file's metadata record (spec §3 FileMD).
type FileMD struct {
	ID       FileID
	ParentID ContainerID
	Name     string
	LayoutID layout.ID
	UID      uint32
	GID      uint32
	Size     uint64
	CTime    time.Time
	MTime    time.Time
	Checksum []byte

	// Locations holds the fsids currently carrying a stripe of this
	// file. Unlinked holds fsids carrying a stripe awaiting physical
	// deletion (spec §4.8, invariants P1/P2).
	Locations []int
	Unlinked  []int
}

// IsOrphan reports whether both location lists are empty, the
// condition under which the FileMD must be destroyed (spec §3 "When
// both lists become empty the FileMD is destroyed", invariant P2).
func (f *FileMD) IsOrphan() bool {
	return len(f.Locations) == 0 && len(f.Unlinked) == 0
}

// HasLocation reports whether fsid appears in Locations.
func (f *FileMD) HasLocation(fsid int) bool {
	for _, l := range f.Locations {
		if l == fsid {
			return true
		}
	}
	return false
}

// Unlink moves fsid from Locations to Unlinked. It is a no-op if fsid
// is not a current location.
func (f *FileMD) Unlink(fsid int) {
	for i, l := range f.Locations {
		if l == fsid {
			f.Locations = append(f.Locations[:i], f.Locations[i+1:]...)
			f.Unlinked = append(f.Unlinked, fsid)
			return
		}
	}
}

// RemoveUnlinked drops fsid from the Unlinked list once its physical
// copy has been deleted (spec §4.8 step 3).
func (f *FileMD) RemoveUnlinked(fsid int) {
	for i, l := range f.Unlinked {
		if l == fsid {
			f.Unlinked = append(f.Unlinked[:i], f.Unlinked[i+1:]...)
			return
		}
	}
}

// Well-known extended attribute keys (spec §3 ContainerMD policy keys).
const (
	AttrSysACL          = "sys.acl"
	AttrUserACL         = "user.acl"
	AttrOwnerAuth       = "sys.owner.auth"
	AttrRedirectENOENT  = "sys.redirect.enoent"
	AttrStallUnavail    = "sys.stall.unavailable"
	AttrForcedLayout    = "sys.forced.layout"
	AttrForcedSpace     = "sys.forced.space"
	AttrForcedBooking   = "sys.forced.blocksize"
	AttrForcedMinSize   = "sys.forced.minsize"
	AttrForcedMaxSize   = "sys.forced.maxsize"
	AttrHealAttempts    = "sys.heal.attempts"
)

// ContainerMD is one directory's metadata record (spec §3 ContainerMD).
// The attribute map is the only supported mechanism for per-subtree
// policy — the core never carries a parallel side-channel policy store.
type ContainerMD struct {
	ID       ContainerID
	ParentID ContainerID
	Name     string
	UID      uint32
	GID      uint32
	Mode     uint32
	MTime    time.Time
	Attrs    map[string]string

	QuotaNode *QuotaNode // non-nil iff this container is a quota boundary
}

// Attr returns the value of key and whether it was set.
func (c *ContainerMD) Attr(key string) (string, bool) {
	v, ok := c.Attrs[key]
	return v, ok
}

// QuotaAccounting carries the physical/logical/file counters tracked
// per (uid) and per (gid) under one QuotaNode (spec §3 QuotaNode).
type QuotaAccounting struct {
	PhysicalSpace uint64
	Space         uint64 // logical
	Files         uint64
}

// ProjectID is the fixed, well-known gid reserved for project quota
// accounting (spec §3 SpaceQuota "id is a uid, gid, or the reserved
// project-id").
const ProjectID uint32 = 0xFFFFFFFE

// QuotaNode is a subtree root marked as a quota boundary (spec §3).
type QuotaNode struct {
	ContainerID ContainerID

	ByUID map[uint32]*QuotaAccounting
	ByGID map[uint32]*QuotaAccounting
}

// NewQuotaNode returns an empty QuotaNode rooted at cid.
func NewQuotaNode(cid ContainerID) *QuotaNode {
	return &QuotaNode{
		ContainerID: cid,
		ByUID:       make(map[uint32]*QuotaAccounting),
		ByGID:       make(map[uint32]*QuotaAccounting),
	}
}

func (q *QuotaNode) uidAcct(uid uint32) *QuotaAccounting {
	a, ok := q.ByUID[uid]
	if !ok {
		a = &QuotaAccounting{}
		q.ByUID[uid] = a
	}
	return a
}

func (q *QuotaNode) gidAcct(gid uint32) *QuotaAccounting {
	a, ok := q.ByGID[gid]
	if !ok {
		a = &QuotaAccounting{}
		q.ByGID[gid] = a
	}
	return a
}

// Book atomically adds (or subtracts, with a negative delta) space and
// file-count deltas to both the uid and gid accounting tables, as a
// booking/unbooking operation scales both physical and logical space
// by the layout's size factor (spec §4.2).
func (q *QuotaNode) Book(uid, gid uint32, physicalDelta, logicalDelta int64, fileDelta int64) {
	applyDelta(q.uidAcct(uid), physicalDelta, logicalDelta, fileDelta)
	applyDelta(q.gidAcct(gid), physicalDelta, logicalDelta, fileDelta)
}

func applyDelta(a *QuotaAccounting, physicalDelta, logicalDelta, fileDelta int64) {
	a.PhysicalSpace = addClamped(a.PhysicalSpace, physicalDelta)
	a.Space = addClamped(a.Space, logicalDelta)
	a.Files = addClamped(a.Files, fileDelta)
}

func addClamped(v uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > v {
		return 0
	}
	return uint64(int64(v) + delta)
}

// View is the narrow read/write contract the core depends on for the
// directory/file tree, following the same Backend-style pattern of
// depending on a small interface rather than a concrete store. The
// concrete implementation (change-log format, compaction)
// is external per spec §1; internal/changelog/archive only uploads
// committed changelog segment files and neither uses nor implements it.
type View interface {
	GetFile(ctx context.Context, id FileID) (*FileMD, error)
	GetFileByPath(ctx context.Context, path string) (*FileMD, error)
	CreateFile(ctx context.Context, parent ContainerID, name string, lid layout.ID, uid, gid uint32) (*FileMD, error)
	UpdateFile(ctx context.Context, f *FileMD) error
	RemoveFile(ctx context.Context, id FileID) error

	GetContainer(ctx context.Context, id ContainerID) (*ContainerMD, error)
	GetContainerByPath(ctx context.Context, path string) (*ContainerMD, error)

	// QuotaNodeFor walks up from cid to the nearest quota boundary and
	// returns its QuotaNode, or nil if the subtree is unquota'd.
	QuotaNodeFor(ctx context.Context, cid ContainerID) (*QuotaNode, error)
}
