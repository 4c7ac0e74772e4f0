package transferqueue

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/stratafs/mgm/internal/capability"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/recentcache"
)

// FileSource is the narrow contract the schedule handler needs from
// the directory/file tree: the current and candidate file ids living
// on a given fsid. It is kept separate so this package does not
// depend on the full namespace.View surface; the module itself has no
// implementation of it outside the tests.
type FileSource interface {
	// FilesOnFS returns the fids currently located on fsid. For
	// balance callers sample randomly from this; for drain callers
	// want the oldest first, so the slice is expected oldest-first.
	FilesOnFS(fsid int) []uint64
	// HasReplica reports whether fid already has a copy on fsid.
	HasReplica(fid uint64, fsid int) bool
	// FileSize returns fid's logical size.
	FileSize(fid uint64) (uint64, bool)
}

// Handler implements the schedule2balance / schedule2drain poll
// handler of spec §4.7.
type Handler struct {
	view   *fsview.FsView
	files  FileSource
	recent *recentcache.Cache
	caps   *capability.Engine

	mu      sync.Mutex
	cursors map[string]int // key: space/group -> next source index within the group
	rnd     *rand.Rand
}

// NewHandler wires a schedule handler over view/files, signing jobs
// with caps and deduplicating against recent.
func NewHandler(view *fsview.FsView, files FileSource, recent *recentcache.Cache, caps *capability.Engine) *Handler {
	return &Handler{
		view:    view,
		files:   files,
		recent:  recent,
		caps:    caps,
		cursors: make(map[string]int),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func cursorKey(space string, groupIdx int) string {
	return space + "/" + strconv.Itoa(groupIdx)
}

// nominalFilled is the per-group average disk-fill fraction a
// candidate source must exceed to be a balance source (spec §4.7
// step 2 "diskFilled > nominalFilled").
func nominalFilled(g *fsview.FsGroup) float64 {
	if len(g.FileSystems) == 0 {
		return 0
	}
	var total float64
	for _, fs := range g.FileSystems {
		total += fs.Snapshot().Stat.DiskUtil
	}
	return total / float64(len(g.FileSystems))
}

// Schedule implements the poll handler: target is the requesting FS's
// id; balance selects true for schedule2balance, false for
// schedule2drain.
func (h *Handler) Schedule(target int, balance bool) (TransferJob, error) {
	targetFS := h.view.Lookup(target)
	if targetFS == nil {
		return TransferJob{}, ErrNoWork
	}
	targetSnap := targetFS.Snapshot()
	group := h.view.Group(targetSnap.SpaceName, targetSnap.GroupIndex)
	if group == nil || len(group.FileSystems) == 0 {
		return TransferJob{}, ErrNoWork
	}

	key := cursorKey(targetSnap.SpaceName, group.Index)
	h.mu.Lock()
	start := h.cursors[key] % len(group.FileSystems)
	h.cursors[key] = (start + 1) % len(group.FileSystems)
	h.mu.Unlock()

	threshold := nominalFilled(group)

	var sourceSnap fsview.Snapshot
	found := false
	for i := 0; i < len(group.FileSystems); i++ {
		fs := group.FileSystems[(start+i)%len(group.FileSystems)]
		snap := fs.Snapshot()
		if snap.ID == target {
			continue
		}
		if snap.BootStatus != fsview.BootBooted {
			continue
		}
		if balance {
			if !snap.ConfigStatus.AtLeast(fsview.ConfigRO) {
				continue
			}
			if snap.Stat.DiskUtil <= threshold {
				continue
			}
		} else {
			if snap.DrainStatus != fsview.Draining && snap.DrainStatus != fsview.DrainStalling {
				continue
			}
		}
		sourceSnap = snap
		found = true
		break
	}
	if !found {
		return TransferJob{}, ErrNoWork
	}

	fids := h.files.FilesOnFS(sourceSnap.ID)
	var candidate uint64
	candidateFound := false
	if balance {
		perm := h.rnd.Perm(len(fids))
		for _, idx := range perm {
			fid := fids[idx]
			if h.acceptCandidate(fid, sourceSnap.ID, targetSnap.ID) {
				candidate = fid
				candidateFound = true
				break
			}
		}
	} else {
		for _, fid := range fids { // oldest-first by FileSource contract
			if h.acceptCandidate(fid, sourceSnap.ID, targetSnap.ID) {
				candidate = fid
				candidateFound = true
				break
			}
		}
	}
	if !candidateFound {
		return TransferJob{}, ErrNoWork
	}

	size, ok := h.files.FileSize(candidate)
	if !ok || uint64(targetSnap.Stat.FreeBytes) < size {
		return TransferJob{}, ErrNoWork
	}

	kind := KindDrain
	if balance {
		kind = KindBalance
	}

	env, err := h.caps.SignTransfer(capability.TransferFields{
		Source:    capability.Fields{Access: capability.AccessRead, TargetHost: sourceSnap.Host, TargetPort: sourceSnap.Port, LocalPrefix: sourceSnap.Path},
		Target:    capability.Fields{Access: capability.AccessWrite, TargetHost: targetSnap.Host, TargetPort: targetSnap.Port, LocalPrefix: targetSnap.Path},
		FileIDHex: strconv.FormatUint(candidate, 16),
	})
	if err != nil {
		return TransferJob{}, err
	}

	job := TransferJob{
		Kind:       kind,
		SourceFsid: sourceSnap.ID,
		TargetFsid: targetSnap.ID,
		FileID:     candidate,
		Envelope:   env,
		CreatedAt:  time.Now(),
	}
	h.recent.MarkScheduled(candidate)
	return job, nil
}

func (h *Handler) acceptCandidate(fid uint64, sourceFsid, targetFsid int) bool {
	if h.recent.Contains(fid) {
		return false
	}
	if h.files.HasReplica(fid, targetFsid) {
		return false
	}
	return true
}
