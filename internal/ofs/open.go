package ofs

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/stratafs/mgm/internal/capability"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/layout"
	"github.com/stratafs/mgm/internal/namespace"
	"github.com/stratafs/mgm/internal/quota"
	"github.com/stratafs/mgm/internal/scheduler"
	"github.com/stratafs/mgm/pkg/errors"
)

// defaultBookingSize is the booking size assumed for a request that
// does not supply one: a fixed 4 MiB, whatever the layout's block size.
const defaultBookingSize = 4 << 20

// OpenFlag is the client-requested open mode (spec §4.6 step 7).
type OpenFlag uint32

const (
	FlagRead OpenFlag = 1 << iota
	FlagWrite
	FlagCreate
	FlagTruncate
	FlagExclusive
	FlagMkPath
)

// Has reports whether f includes every bit of o.
func (f OpenFlag) Has(o OpenFlag) bool { return f&o == o }

// OpenRequest is the input to Pipeline.Open.
type OpenRequest struct {
	Path     string
	Raw      RawIdentity
	Flags    OpenFlag
	GroupTag string
	Size     uint64 // caller's declared size hint, used for booking/quota
}

// OpenResult is the outcome of a successful pipeline run: either a
// redirect/stall instruction, or a signed capability envelope (spec
// §4.6 step 12).
type OpenResult struct {
	Redirect string
	Stall    time.Duration
	Envelope string
	FileID   namespace.FileID
}

// Pipeline wires the collaborators the Open/FSctl request pipeline
// needs (spec §4.6). The concrete directory tree, fleet state and
// identity source are all external; Pipeline only sequences the steps
// spec.md numbers against the narrow interfaces those collaborators
// expose.
type Pipeline struct {
	Rewriter *PathRewriter
	Identity IdentityMapper
	Bans     *BanList
	Rules    *AccessRuleSet
	Mtimes   *MtimeSidecar

	NS    namespace.View
	Quota *quota.Engine
	Sched *scheduler.Scheduler
	Caps  *capability.Engine
	View  *fsview.FsView

	Manager       string
	DefaultLayout layout.ID
	DefaultSpace  string
	ProcPrefix    string
}

func (o *Pipeline) procPrefix() string {
	if o.ProcPrefix == "" {
		return "/proc/"
	}
	return o.ProcPrefix
}

// authResult is what the shared map→identity→rules→ACL prefix (spec
// §4.6 steps 1-3, 5-6) produces for Open, Stat and Access alike.
type authResult struct {
	path   string
	id     Identity
	cont   *namespace.ContainerMD
	perms  Permissions
	posixOK bool
}

// authorize runs steps 1-3 and 5-6 of spec §4.6: namespace rewrite,
// identity resolution and ban check, global access rules, parent
// resolution, and ACL/mode evaluation. Step 4 (proc interception) is
// applied by the caller, since Stat/Access never go through it.
func (o *Pipeline) authorize(ctx context.Context, raw RawIdentity, reqPath string, write, mkPath bool) (authResult, *OpenResult, error) {
	reqPath, err := o.Rewriter.Rewrite(reqPath)
	if err != nil {
		return authResult{}, nil, errors.NewError(errors.ErrCodeAccessDenied, "path escapes namespace map rule").WithCause(err)
	}

	id, err := o.Identity.Resolve(ctx, raw)
	if err != nil {
		return authResult{}, nil, errors.NewError(errors.ErrCodeAccessDenied, "identity mapping failed").WithCause(err)
	}
	if o.Bans.Refused(id) {
		return authResult{}, nil, errors.NewError(errors.ErrCodeAccessDenied, "caller is banned")
	}

	if rule, ok := o.Rules.Match(write, false); ok {
		if rule.Redirect != "" {
			return authResult{}, &OpenResult{Redirect: rule.Redirect}, nil
		}
		if rule.Stall > 0 {
			return authResult{}, &OpenResult{Stall: rule.Stall}, nil
		}
	}

	parentPath := parentOf(reqPath)
	cont, err := o.NS.GetContainerByPath(ctx, parentPath)
	if err != nil {
		if mkPath {
			// namespace.View exposes no container-creation method;
			// the directory tree is expected to already contain the
			// ancestor chain by the time Open is called.
			return authResult{}, nil, errors.NewError(errors.ErrCodeUnsupported, "ancestor path creation is not supported").WithCause(err)
		}
		return authResult{}, nil, err
	}

	effUID, effGID := id.UID, id.GID
	if auth, ok := cont.Attr(namespace.AttrOwnerAuth); ok && OwnerAuthMatches(auth, id) {
		effUID, effGID = cont.UID, cont.GID
	}

	sysACL, _ := cont.Attr(namespace.AttrSysACL)
	userACL, _ := cont.Attr(namespace.AttrUserACL)
	perms := Evaluate(ParseACL(sysACL), ParseACL(userACL), id)
	posixOK := posixAllows(cont.Mode, effUID, effGID, id, write)

	if !id.Sudoer {
		if write && !perms.Write && !posixOK {
			return authResult{}, nil, errors.NewError(errors.ErrCodeAccessDenied, "write denied by acl/mode")
		}
		if !write && !perms.Read && !posixOK {
			return authResult{}, nil, errors.NewError(errors.ErrCodeAccessDenied, "read denied by acl/mode")
		}
	}

	return authResult{path: reqPath, id: id, cont: cont, perms: perms, posixOK: posixOK}, nil, nil
}

// Open implements the full 12-step pipeline of spec §4.6.
func (o *Pipeline) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	write := req.Flags.Has(FlagWrite)

	if rewritten, err := o.Rewriter.Rewrite(req.Path); err == nil && strings.HasPrefix(rewritten, o.procPrefix()) {
		return OpenResult{}, errors.NewError(errors.ErrCodeUnsupported, "proc interception not implemented")
	}

	auth, early, err := o.authorize(ctx, req.Raw, req.Path, write, req.Flags.Has(FlagMkPath))
	if err != nil {
		return OpenResult{}, err
	}
	if early != nil {
		return *early, nil
	}

	name := baseOf(auth.path)
	f, ferr := o.NS.GetFileByPath(ctx, auth.path)
	exists := ferr == nil

	if exists && req.Flags.Has(FlagCreate) && req.Flags.Has(FlagExclusive) {
		return OpenResult{}, errors.NewError(errors.ErrCodeExists, "file exists")
	}

	if !exists && !req.Flags.Has(FlagCreate) {
		if redirect, ok := auth.cont.Attr(namespace.AttrRedirectENOENT); ok && redirect != "" {
			return OpenResult{Redirect: redirect}, nil
		}
		if rule, ok := o.Rules.Match(write, true); ok && rule.Redirect != "" {
			return OpenResult{Redirect: rule.Redirect}, nil
		}
		return OpenResult{}, errors.NewError(errors.ErrCodeNotFound, "no such file")
	}

	creating := !exists && req.Flags.Has(FlagCreate)
	truncating := exists && req.Flags.Has(FlagTruncate)

	lid, space := o.resolveLayoutAndSpace(auth.cont)
	bookingSize := o.resolveBookingSize(auth.cont, req.Size)

	if (creating || write) && !auth.id.Sudoer {
		ok, err := o.Quota.Check(ctx, parentOf(auth.path), auth.id.UID, auth.id.GID, uint64(float64(bookingSize)*lid.SizeFactor()), 1)
		if err != nil {
			return OpenResult{}, err
		}
		if !ok {
			return OpenResult{}, errors.NewError(errors.ErrCodeQuotaExceeded, "quota exceeded")
		}
	}

	vid := scheduler.VID{UID: auth.id.UID, GID: auth.id.GID}

	var locations []int
	var primaryIdx int

	switch {
	case creating:
		res, err := o.Sched.Place(scheduler.PlacementRequest{
			Space: space, VID: vid, GroupTag: req.GroupTag, LayoutID: lid,
			GeoTag: auth.id.GeoTag, BookingSize: bookingSize,
		})
		if err != nil {
			return OpenResult{}, mapSchedErr(err)
		}
		created, err := o.NS.CreateFile(ctx, auth.cont.ID, name, lid, auth.id.UID, auth.id.GID)
		if err != nil {
			return OpenResult{}, err
		}
		created.Locations = res.FSIDs
		if err := o.NS.UpdateFile(ctx, created); err != nil {
			return OpenResult{}, err
		}
		f, locations, primaryIdx = created, res.FSIDs, 0
	case truncating:
		res, err := o.Sched.Place(scheduler.PlacementRequest{
			Space: space, VID: vid, GroupTag: req.GroupTag, LayoutID: f.LayoutID,
			GeoTag: auth.id.GeoTag, BookingSize: bookingSize, Truncate: true,
		})
		if err != nil {
			return OpenResult{}, mapSchedErr(err)
		}
		f.Locations = res.FSIDs
		f.Size = 0
		if err := o.NS.UpdateFile(ctx, f); err != nil {
			return OpenResult{}, err
		}
		lid, locations, primaryIdx = f.LayoutID, f.Locations, 0
	default:
		if len(f.Locations) == 0 {
			return OpenResult{}, errors.NewError(errors.ErrCodeNoDevice, "file has no locations")
		}
		accRes, err := o.Sched.Access(scheduler.AccessRequest{
			VID: vid, Space: space, LayoutID: f.LayoutID, Locations: f.Locations,
			Write: write, BookingSize: bookingSize, ClientHost: auth.id.Host, ClientGeoTag: auth.id.GeoTag,
		})
		if err != nil && err != scheduler.ErrDegradedRead {
			return OpenResult{}, mapSchedErr(err)
		}
		lid, locations, primaryIdx = f.LayoutID, f.Locations, accRes.Index
	}

	if write {
		o.Mtimes.Bump(auth.cont.ID, time.Now())
	}

	env, err := o.Caps.Sign(o.buildFields(req.Path, write, creating, lid, auth, f, bookingSize, locations, primaryIdx))
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{Envelope: env, FileID: f.ID}, nil
}

// Stat authorizes a read-only lookup and returns the file's metadata,
// sharing the map→identity→ACL prefix with Open (spec §4.6's pipeline
// minus scheduling/capability issuance, which a stat never needs).
func (o *Pipeline) Stat(ctx context.Context, raw RawIdentity, reqPath string) (*namespace.FileMD, error) {
	auth, early, err := o.authorize(ctx, raw, reqPath, false, false)
	if err != nil {
		return nil, err
	}
	if early != nil {
		return nil, errors.NewError(errors.ErrCodeOffline, "stat stalled by global access policy")
	}
	return o.NS.GetFileByPath(ctx, auth.path)
}

// Access authorizes a bare read/write permission check without
// issuing a capability (spec §4.6 steps 1-3, 5-6 only).
func (o *Pipeline) Access(ctx context.Context, raw RawIdentity, reqPath string, write bool) error {
	_, early, err := o.authorize(ctx, raw, reqPath, write, false)
	if err != nil {
		return err
	}
	if early != nil {
		return errors.NewError(errors.ErrCodeOffline, "access stalled by global access policy")
	}
	return nil
}

func (o *Pipeline) buildFields(origPath string, write, creating bool, lid layout.ID, auth authResult, f *namespace.FileMD, bookingSize uint64, locations []int, primaryIdx int) capability.Fields {
	access := capability.AccessRead
	if write {
		access = capability.AccessUpdate
		if creating {
			access = capability.AccessCreate
		}
	}

	ordered := make([]int, 0, len(locations))
	if len(locations) > 0 {
		ordered = append(ordered, locations[primaryIdx])
		for i, l := range locations {
			if i != primaryIdx {
				ordered = append(ordered, l)
			}
		}
	}

	replicas := make([]capability.ReplicaURL, 0, len(ordered))
	localPrefix := ""
	for i, fsid := range ordered {
		snap, ok := o.View.Snapshot(fsid)
		if !ok {
			continue
		}
		if i == 0 {
			localPrefix = snap.Path
		}
		replicas = append(replicas, capability.ReplicaURL{Host: snap.Host, Port: snap.Port, FsID: fsid, LocalPrefix: snap.Path})
	}

	return capability.Fields{
		Access:      access,
		LayoutID:    uint32(lid),
		ContainerID: uint64(auth.cont.ID),
		UID:         auth.id.UID,
		GID:         auth.id.GID,
		RUID:        auth.id.UID,
		RGID:        auth.id.GID,
		Path:        origPath,
		Manager:     o.Manager,
		FileID:      uint64(f.ID),
		BookingSize: bookingSize,
		LocalPrefix: localPrefix,
		Replicas:    replicas,
		BlockCksum:  lid.BlockChecksum() != layout.ChecksumNone,
		Checksum:    lid.Checksum() != layout.ChecksumNone,
	}
}

// resolveLayoutAndSpace applies any forced-layout/forced-space policy
// attributes on the parent container, falling back to the pipeline's
// configured defaults (spec §4.6 step 9).
func (o *Pipeline) resolveLayoutAndSpace(cont *namespace.ContainerMD) (layout.ID, string) {
	lid := o.DefaultLayout
	if v, ok := cont.Attr(namespace.AttrForcedLayout); ok {
		if parsed, err := strconv.ParseUint(v, 10, 32); err == nil {
			lid = layout.ID(parsed)
		}
	}
	space := o.DefaultSpace
	if v, ok := cont.Attr(namespace.AttrForcedSpace); ok && v != "" {
		space = v
	}
	return lid, space
}

// resolveBookingSize applies forced booking/min/max size policy
// attributes to the caller's requested size (spec §4.6 step 9).
func (o *Pipeline) resolveBookingSize(cont *namespace.ContainerMD, requested uint64) uint64 {
	size := requested
	if size == 0 {
		size = defaultBookingSize
	}
	if v, ok := cont.Attr(namespace.AttrForcedBooking); ok {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			size = parsed
		}
	}
	if v, ok := cont.Attr(namespace.AttrForcedMinSize); ok {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil && size < parsed {
			size = parsed
		}
	}
	if v, ok := cont.Attr(namespace.AttrForcedMaxSize); ok {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil && size > parsed {
			size = parsed
		}
	}
	return size
}

// mapSchedErr passes a scheduler error through unchanged: §4.1's
// placement/access errors are already POSIX-coded (ENOSPC, ENONET,
// EXDEV, EROFS) by pkg/errors, so this boundary only needs to guard
// against a non-MgmError escaping the scheduler.
func mapSchedErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errors.MgmError); ok {
		return err
	}
	return errors.NewError(errors.ErrCodeInternal, "scheduling failed").WithCause(err)
}

// posixAllows evaluates the standard owner/group/other mode bits
// against id, used alongside ACL evaluation (spec §4.6 step 6).
func posixAllows(mode uint32, uid, gid uint32, id Identity, write bool) bool {
	var bits uint32
	switch {
	case id.UID == uid:
		bits = (mode >> 6) & 0x7
	case id.GID == gid || containsGID(id.GIDList, gid):
		bits = (mode >> 3) & 0x7
	default:
		bits = mode & 0x7
	}
	if write {
		return bits&0x2 != 0
	}
	return bits&0x4 != 0
}

func containsGID(list []uint32, gid uint32) bool {
	for _, g := range list {
		if g == gid {
			return true
		}
	}
	return false
}

func parentOf(p string) string {
	i := strings.LastIndex(strings.TrimSuffix(p, "/"), "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func baseOf(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return p
	}
	return p[i+1:]
}
