// Package ofs implements component F: the Open/FSctl request pipeline
// of spec §4.6 — the map→identity→rules→ACL→quota→schedule→capability
// sequence every client request to open a file (or, more thinly, stat
// or check access to one) goes through.
//
// Grounded on original_source's MgmOfs::_open/FSctl dispatch shape
// (distilled in spec.md's explicit numbered step list) and on
// internal/namespace.View's narrow-consumer-interface pattern for how
// this package depends on the directory tree. internal/namespace.View
// is deliberately read/file-CRUD only (spec §1 treats the tree's
// on-disk/change-log representation as an external collaborator);
// container-mutating verbs (mkdir, chmod on a directory, rename) would
// need interface surface View does not expose, so this package
// implements Open in full and Stat/Access sharing the same
// map→identity→ACL prefix, rather than inventing container-mutation
// methods the rest of the spec never asks View to support.
package ofs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stratafs/mgm/internal/namespace"
	"github.com/stratafs/mgm/pkg/utils"
)

// RawIdentity is the caller information presented before identity
// mapping (spec §4.6 step 2's input).
type RawIdentity struct {
	Prot string
	Name string
	Host string
}

// Identity is the resolved virtual identity (spec §4.6 step 2: "{uid,
// gid, uid_list, gid_list, host, geotag, sudoer, prot}").
type Identity struct {
	UID, GID         uint32
	UIDList, GIDList []uint32
	Host             string
	GeoTag           string
	Sudoer           bool
	Prot             string
}

// IdentityMapper resolves a RawIdentity to an Identity. The concrete
// mapping (gridmap file, unix passwd, sss, X.509 DN) is an external
// collaborator; this package only consumes the resolved result.
type IdentityMapper interface {
	Resolve(ctx context.Context, raw RawIdentity) (Identity, error)
}

// PathRewriter applies configurable longest-matching-prefix path
// rewrites (spec §4.6 step 1 "Namespace map").
type PathRewriter struct {
	mu    sync.RWMutex
	rules map[string]string
}

// NewPathRewriter returns an empty rewriter.
func NewPathRewriter() *PathRewriter {
	return &PathRewriter{rules: make(map[string]string)}
}

// SetRule installs or replaces a from→to prefix rewrite.
func (r *PathRewriter) SetRule(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[from] = to
}

// Rewrite applies the longest matching prefix rule to path, or returns
// path unchanged if none matches. A client path that tries to traverse
// out of the matched rule (a leading ".." left over after the prefix
// is stripped) is rejected rather than rewritten, since a successful
// rewrite would otherwise splice caller-controlled segments onto the
// rule's target prefix and let a request escape it.
func (r *PathRewriter) Rewrite(path string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, bestTo := "", ""
	for from, to := range r.rules {
		if strings.HasPrefix(path, from) && len(from) > len(best) {
			best, bestTo = from, to
		}
	}
	if best == "" {
		return path, nil
	}
	rest := strings.TrimPrefix(path, best)
	if rest == "" {
		return bestTo, nil
	}
	return utils.SecureJoin(bestTo, rest)
}

// BanList tracks banned/allowed users, groups, and hosts (spec §4.6
// step 2).
type BanList struct {
	mu           sync.RWMutex
	bannedUsers  map[uint32]bool
	bannedGroups map[uint32]bool
	bannedHosts  map[string]bool
	allowUsers   map[uint32]bool // nil/empty means "no allow-list configured"
}

// NewBanList returns an empty BanList (nothing banned, no allow-list).
func NewBanList() *BanList {
	return &BanList{
		bannedUsers:  make(map[uint32]bool),
		bannedGroups: make(map[uint32]bool),
		bannedHosts:  make(map[string]bool),
		allowUsers:   make(map[uint32]bool),
	}
}

func (b *BanList) BanUser(uid uint32)    { b.mu.Lock(); b.bannedUsers[uid] = true; b.mu.Unlock() }
func (b *BanList) BanGroup(gid uint32)   { b.mu.Lock(); b.bannedGroups[gid] = true; b.mu.Unlock() }
func (b *BanList) BanHost(host string)   { b.mu.Lock(); b.bannedHosts[host] = true; b.mu.Unlock() }
func (b *BanList) AllowUser(uid uint32)  { b.mu.Lock(); b.allowUsers[uid] = true; b.mu.Unlock() }

// Refused reports whether id is banned, or (when an allow-list is
// configured) not present on it.
func (b *BanList) Refused(id Identity) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.bannedUsers[id.UID] || b.bannedGroups[id.GID] || b.bannedHosts[id.Host] {
		return true
	}
	if len(b.allowUsers) > 0 && !b.allowUsers[id.UID] {
		return true
	}
	return false
}

// MtimeSidecar is the in-memory cid→mtime map bumped by any
// open-for-write or namespace mutation and read back by stat (spec
// §4.6 "Directory modification times are bumped... under an in-memory
// sidecar map").
type MtimeSidecar struct {
	mu sync.RWMutex
	m  map[namespace.ContainerID]time.Time
}

// NewMtimeSidecar returns an empty sidecar.
func NewMtimeSidecar() *MtimeSidecar {
	return &MtimeSidecar{m: make(map[namespace.ContainerID]time.Time)}
}

// Bump records now as cid's last-modified time.
func (s *MtimeSidecar) Bump(cid namespace.ContainerID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[cid] = now
}

// Get returns cid's sidecar mtime, if any was recorded.
func (s *MtimeSidecar) Get(cid namespace.ContainerID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.m[cid]
	return t, ok
}
