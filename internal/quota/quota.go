// Package quota implements component C: per-node admission control and
// reporting that stays consistent with the authoritative namespace
// quota counters (spec §4.2). SpaceQuota objects are in-memory
// projections of a namespace.QuotaNode; the namespace remains the
// source of truth.
//
// Grounded on internal/health/checker.go's check-registry/refresh shape
// (a registry of named, independently-refreshable accounting entries
// polled on a schedule), generalized from health-check results to
// quota-tag/id projections refreshed from the namespace.
package quota

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stratafs/mgm/internal/namespace"
	"github.com/stratafs/mgm/pkg/errors"
)

// Tag identifies one of the projected counters of spec §3 SpaceQuota.
type Tag int

const (
	TagUserBytes Tag = iota
	TagUserFiles
	TagGroupBytes
	TagGroupFiles
	TagUserBytesTarget
	TagUserFilesTarget
	TagGroupBytesTarget
	TagGroupFilesTarget
	TagAllUserBytesIs
	TagAllUserBytesTarget
	TagAllUserFilesIs
	TagAllUserFilesTarget
)

// projectRefreshInterval bounds how often updateFromNsQuota refreshes
// project counters (spec §4.2 "at most once every 5 seconds").
const projectRefreshInterval = 5 * time.Second

// SpaceQuota is an in-memory projection of one namespace.QuotaNode,
// registered per quota-node path with a trailing slash (spec §4.2
// Lifecycle).
type SpaceQuota struct {
	Path string

	mu             sync.RWMutex
	node           *namespace.QuotaNode
	userTargets    map[uint32]targets
	groupTargets   map[uint32]targets
	lastProjectAt  time.Time
}

type targets struct {
	bytesTarget uint64
	filesTarget uint64
}

func newSpaceQuota(path string, node *namespace.QuotaNode) *SpaceQuota {
	return &SpaceQuota{
		Path:         path,
		node:         node,
		userTargets:  make(map[uint32]targets),
		groupTargets: make(map[uint32]targets),
	}
}

// Engine manages the registered SpaceQuota projections and mediates
// admission checks (spec §4.2).
type Engine struct {
	ns namespace.View

	mu     sync.RWMutex
	byPath map[string]*SpaceQuota
}

// New returns a quota Engine reading through ns.
func New(ns namespace.View) *Engine {
	return &Engine{ns: ns, byPath: make(map[string]*SpaceQuota)}
}

func normalizePath(path string) string {
	if !strings.HasSuffix(path, "/") {
		return path + "/"
	}
	return path
}

// SetQuota mutates a target limit for (tag, id) at path, registering
// the SpaceQuota and its backing namespace quota node if absent (spec
// §4.2 "Object creation registers a namespace quota node if absent").
func (e *Engine) SetQuota(ctx context.Context, path string, tag Tag, id uint32, value uint64) error {
	path = normalizePath(path)
	sq, err := e.getOrRegister(ctx, path)
	if err != nil {
		return err
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	switch tag {
	case TagUserBytesTarget:
		t := sq.userTargets[id]
		t.bytesTarget = value
		sq.userTargets[id] = t
	case TagUserFilesTarget:
		t := sq.userTargets[id]
		t.filesTarget = value
		sq.userTargets[id] = t
	case TagGroupBytesTarget:
		t := sq.groupTargets[id]
		t.bytesTarget = value
		sq.groupTargets[id] = t
	case TagGroupFilesTarget:
		t := sq.groupTargets[id]
		t.filesTarget = value
		sq.groupTargets[id] = t
	default:
		return errors.NewError(errors.ErrCodeUnsupported, "unsupported quota tag for SetQuota")
	}
	return nil
}

// RmQuota removes a target limit for (tag, id) at path.
func (e *Engine) RmQuota(path string, tag Tag, id uint32) error {
	path = normalizePath(path)
	e.mu.RLock()
	sq, ok := e.byPath[path]
	e.mu.RUnlock()
	if !ok {
		return errors.NewError(errors.ErrCodeNotFound, "no quota node registered at "+path)
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	switch tag {
	case TagUserBytesTarget, TagUserFilesTarget:
		delete(sq.userTargets, id)
	case TagGroupBytesTarget, TagGroupFilesTarget:
		delete(sq.groupTargets, id)
	default:
		return errors.NewError(errors.ErrCodeUnsupported, "unsupported quota tag for RmQuota")
	}
	return nil
}

// Remove detaches the SpaceQuota for path. The namespace quota node
// removal itself is the caller's responsibility, executed in the same
// namespace write-locked critical section (spec §4.2 Lifecycle).
func (e *Engine) Remove(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byPath, normalizePath(path))
}

func (e *Engine) getOrRegister(ctx context.Context, path string) (*SpaceQuota, error) {
	e.mu.RLock()
	sq, ok := e.byPath[path]
	e.mu.RUnlock()
	if ok {
		return sq, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sq, ok := e.byPath[path]; ok {
		return sq, nil
	}
	cont, err := e.ns.GetContainerByPath(ctx, strings.TrimSuffix(path, "/"))
	if err != nil {
		return nil, err
	}
	node := cont.QuotaNode
	if node == nil {
		node = namespace.NewQuotaNode(cont.ID)
		cont.QuotaNode = node
	}
	sq = newSpaceQuota(path, node)
	e.byPath[path] = sq
	return sq, nil
}

// sufficient reports whether a single predicate (user, group, or
// project) has sufficient remaining capacity. "Sufficient" is
// target-is > requested for both bytes and inodes independently (spec
// §4.2 Admission rule).
func sufficient(is, target namespace.QuotaAccounting, bytes, inodes uint64) bool {
	return target.Space > is.Space && target.Space-is.Space > bytes &&
		target.Files > is.Files && target.Files-is.Files > inodes
}

func definedTarget(t targets) bool {
	return t.bytesTarget > 0 || t.filesTarget > 0
}

// Check is the admission oracle of spec §4.2: it returns true iff the
// SpaceQuota for the most-specific quota node covering path grants the
// request under the compound user/group/project rule. uid 0 always
// bypasses the check.
func (e *Engine) Check(ctx context.Context, path string, uid, gid uint32, bytes, inodes uint64) (bool, error) {
	if uid == 0 {
		return true, nil
	}
	cid, err := e.ns.GetContainerByPath(ctx, path)
	if err != nil {
		return false, err
	}
	sq, err := e.nearestQuotaNode(ctx, cid)
	if err != nil {
		return false, err
	}
	if sq == nil {
		// No quota boundary above path at all: nothing to enforce.
		return true, nil
	}

	sq.mu.RLock()
	defer sq.mu.RUnlock()

	uTarget, uDefined := sq.userTargets[uid]
	gTarget, gDefined := sq.groupTargets[gid]
	uDefined = uDefined && definedTarget(uTarget)
	gDefined = gDefined && definedTarget(gTarget)

	uIs := zeroIfNil(sq.node.ByUID[uid])
	gIs := zeroIfNil(sq.node.ByGID[gid])

	switch {
	case uDefined && gDefined:
		return sufficient(uIs, targetAccounting(uTarget), bytes, inodes) &&
			sufficient(gIs, targetAccounting(gTarget), bytes, inodes), nil
	case uDefined:
		return sufficient(uIs, targetAccounting(uTarget), bytes, inodes), nil
	case gDefined:
		return sufficient(gIs, targetAccounting(gTarget), bytes, inodes), nil
	default:
		pTarget, pDefined := sq.groupTargets[namespace.ProjectID]
		if !pDefined || !definedTarget(pTarget) {
			return true, nil // no per-user/group/project target: nothing to enforce
		}
		pIs := zeroIfNil(sq.node.ByGID[namespace.ProjectID])
		return sufficient(pIs, targetAccounting(pTarget), bytes, inodes), nil
	}
}

func targetAccounting(t targets) namespace.QuotaAccounting {
	return namespace.QuotaAccounting{Space: t.bytesTarget, Files: t.filesTarget}
}

func zeroIfNil(a *namespace.QuotaAccounting) namespace.QuotaAccounting {
	if a == nil {
		return namespace.QuotaAccounting{}
	}
	return *a
}

// nearestQuotaNode resolves the quota node covering cont (its own, else
// the nearest ancestor boundary reported by namespace.View.QuotaNodeFor)
// and returns the SpaceQuota registered for that node, or nil.
func (e *Engine) nearestQuotaNode(ctx context.Context, cont *namespace.ContainerMD) (*SpaceQuota, error) {
	node := cont.QuotaNode
	if node == nil {
		var err error
		if node, err = e.ns.QuotaNodeFor(ctx, cont.ID); err != nil || node == nil {
			return nil, err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sq := range e.byPath {
		if sq.node == node {
			return sq, nil
		}
	}
	return nil, nil
}

// UpdateFromNsQuota pulls current is-counters from the namespace for
// path's quota node, refreshing project counters at most once every 5
// seconds (spec §4.2).
func (e *Engine) UpdateFromNsQuota(ctx context.Context, path string) error {
	path = normalizePath(path)
	e.mu.RLock()
	sq, ok := e.byPath[path]
	e.mu.RUnlock()
	if !ok {
		return errors.NewError(errors.ErrCodeNotFound, "no quota node registered at "+path)
	}

	node, err := e.ns.QuotaNodeFor(ctx, sq.node.ContainerID)
	if err != nil {
		return err
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	now := time.Now()
	if now.Sub(sq.lastProjectAt) < projectRefreshInterval {
		return nil
	}
	sq.node = node
	sq.lastProjectAt = now
	return nil
}

// LogicalBytesTarget derives the logical-bytes target from a raw bytes
// target divided by the layout size factor (spec §4.2 "Layout size
// factor"). factor is capped at >= 1.0 by the caller (layout.ID.SizeFactor).
func LogicalBytesTarget(bytesTarget uint64, factor float64) uint64 {
	if factor < 1.0 {
		factor = 1.0
	}
	return uint64(float64(bytesTarget) / factor)
}
