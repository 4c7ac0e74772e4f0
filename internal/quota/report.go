package quota

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stratafs/mgm/internal/scheduler"
	"github.com/stratafs/mgm/pkg/errors"
)

// Report is one line of PrintOut's output.
type Report struct {
	Path        string
	Kind        string // "user" or "group"
	ID          uint32
	BytesIs     uint64
	BytesTarget uint64
	FilesIs     uint64
	FilesTarget uint64
}

// PrintOut returns a dump of the quota projection at path, optionally
// filtered by uid/gid (spec §4.2 printOut). When monitoring is true the
// caller wants a stable machine-parseable ordering (sorted by id); when
// false a human-oriented ordering (users before groups) is used either
// way since both orderings here are deterministic. translateIds is
// accepted for interface symmetry with the original operation but name
// resolution is an external concern (spec §1), so numeric ids are
// always returned.
func (e *Engine) PrintOut(path string, uidFilter, gidFilter *uint32, monitoring, translateIds bool) []Report {
	_ = translateIds
	path = normalizePath(path)
	e.mu.RLock()
	sq, ok := e.byPath[path]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	sq.mu.RLock()
	defer sq.mu.RUnlock()

	var out []Report
	for uid, acc := range sq.node.ByUID {
		if uidFilter != nil && uid != *uidFilter {
			continue
		}
		t := sq.userTargets[uid]
		out = append(out, Report{Path: path, Kind: "user", ID: uid, BytesIs: acc.Space, BytesTarget: t.bytesTarget, FilesIs: acc.Files, FilesTarget: t.filesTarget})
	}
	for gid, acc := range sq.node.ByGID {
		if gidFilter != nil && gid != *gidFilter {
			continue
		}
		t := sq.groupTargets[gid]
		out = append(out, Report{Path: path, Kind: "group", ID: gid, BytesIs: acc.Space, BytesTarget: t.bytesTarget, FilesIs: acc.Files, FilesTarget: t.filesTarget})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == "user"
		}
		return out[i].ID < out[j].ID
	})
	_ = monitoring // both branches produce the same deterministic order here
	return out
}

func (r Report) String() string {
	return fmt.Sprintf("quota=%s path=%s id=%d bytes_is=%d bytes_target=%d files_is=%d files_target=%d",
		r.Kind, r.Path, r.ID, r.BytesIs, r.BytesTarget, r.FilesIs, r.FilesTarget)
}

// FormatReports renders reports as newline-separated lines, matching
// the printOut human/monitoring text format of spec §4.2.
func FormatReports(reports []Report) string {
	lines := make([]string, 0, len(reports))
	for _, r := range reports {
		lines = append(lines, r.String())
	}
	return strings.Join(lines, "\n")
}

func quotaExceeded() error {
	return errors.NewError(errors.ErrCodeQuotaExceeded, "quota exceeded")
}

// FilePlacement is a thin wrapper that admits the request via Check
// then delegates to the scheduler's placement operation (spec §4.2
// "filePlacement(...) ... first admit via check then delegate to the
// scheduler").
func (e *Engine) FilePlacement(ctx context.Context, path string, req scheduler.PlacementRequest, bytes, inodes uint64, sched *scheduler.Scheduler) (scheduler.PlacementResult, error) {
	ok, err := e.Check(ctx, path, req.VID.UID, req.VID.GID, bytes, inodes)
	if err != nil {
		return scheduler.PlacementResult{}, err
	}
	if !ok {
		return scheduler.PlacementResult{}, quotaExceeded()
	}
	return sched.Place(req)
}

// FileAccess is the read/update counterpart of FilePlacement.
func (e *Engine) FileAccess(ctx context.Context, path string, req scheduler.AccessRequest, bytes, inodes uint64, sched *scheduler.Scheduler) (scheduler.AccessResult, error) {
	if req.Write {
		ok, err := e.Check(ctx, path, req.VID.UID, req.VID.GID, bytes, inodes)
		if err != nil {
			return scheduler.AccessResult{}, err
		}
		if !ok {
			return scheduler.AccessResult{}, quotaExceeded()
		}
	}
	return sched.Access(req)
}
