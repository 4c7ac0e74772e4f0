package scheduler

import (
	"math"
	"time"

	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/layout"
	"github.com/stratafs/mgm/pkg/errors"
)

// AccessRequest is the input to Access (spec §4.1.2).
type AccessRequest struct {
	VID          VID
	ForcedFsid   *int
	Space        string
	LayoutID     layout.ID
	Locations    []int
	Write        bool
	BookingSize  uint64
	ReadFloor    fsview.ConfigStatus // caller-supplied minimum config status for reads
	ClientHost   string
	ClientGeoTag string
}

// AccessResult is the output of Access: an index into Locations
// identifying the preferred replica, plus the fsids found unavailable
// during classification.
type AccessResult struct {
	Index       int
	Unavailable []int
}

type locCandidate struct {
	idx     int
	fsid    int
	snap    fsview.Snapshot
	weight  float64
}

// configFloorFor resolves the minimum config status a candidate must
// meet. Writes always floor at wo. Reads floor at the caller-supplied
// ReadFloor; since no operational read ever wants ConfigEmpty as its
// floor, an unset (zero-value) ReadFloor defaults to ro.
func configFloorFor(write bool, readFloor fsview.ConfigStatus) fsview.ConfigStatus {
	if write {
		return fsview.ConfigWO
	}
	if readFloor == fsview.ConfigEmpty {
		return fsview.ConfigRO
	}
	return readFloor
}

func eligibleAccess(snap fsview.Snapshot, now time.Time, floor fsview.ConfigStatus) bool {
	if snap.BootStatus != fsview.BootBooted {
		return false
	}
	if !snap.ConfigStatus.AtLeast(floor) {
		return false
	}
	if snap.Stat.ErrorCode != 0 {
		return false
	}
	return snap.HeartbeatFresh(now, heartbeatMaxAge)
}

// Access is the access operation of spec §4.1.2.
func (s *Scheduler) Access(req AccessRequest) (AccessResult, error) {
	if req.ForcedFsid != nil {
		for i, fsid := range req.Locations {
			if fsid == *req.ForcedFsid {
				return AccessResult{Index: i}, nil
			}
		}
		return AccessResult{}, errors.NewError(errors.ErrCodeOffline, "forced fsid not among locations")
	}

	if req.LayoutID.Kind() == layout.KindPlain {
		return s.accessPlain(req)
	}
	return s.accessReplicated(req)
}

func (s *Scheduler) accessPlain(req AccessRequest) (AccessResult, error) {
	if len(req.Locations) == 0 {
		return AccessResult{}, errors.NewError(errors.ErrCodeOffline, "no locations for plain layout")
	}
	floor := configFloorFor(req.Write, req.ReadFloor)
	fsid := req.Locations[0]
	fs := s.view.Lookup(fsid)
	if fs == nil {
		return AccessResult{Unavailable: []int{fsid}}, errors.NewError(errors.ErrCodeOffline, "replica location unknown")
	}
	snap := fs.Snapshot()
	now := time.Now()
	if !eligibleAccess(snap, now, floor) {
		if req.Write && snap.ConfigStatus != fsview.ConfigRW && snap.ConfigStatus != fsview.ConfigWO && snap.BootStatus == fsview.BootBooted {
			return AccessResult{Unavailable: []int{fsid}}, errors.NewError(errors.ErrCodeReadOnly, "sole replica is read-only")
		}
		return AccessResult{Unavailable: []int{fsid}}, errors.NewError(errors.ErrCodeOffline, "sole replica unavailable")
	}
	return AccessResult{Index: 0}, nil
}

// ErrDegradedRead is returned alongside a valid AccessResult when a
// read is serviceable but some replicas are offline — enough remain
// online to satisfy minOnlineReplica but not the full stripe count.
// Callers use errors.Is to detect this and schedule stripe repair
// (spec §4.1.2 "caller may use this signal to schedule stripe
// reconstruction") without having to reject the read itself.
var ErrDegradedRead = errors.NewError(errors.ErrCodeStripeShort, "degraded read: some stripes offline")

func (s *Scheduler) accessReplicated(req AccessRequest) (AccessResult, error) {
	if len(req.Locations) == 0 {
		return AccessResult{}, errors.NewError(errors.ErrCodeOffline, "no locations")
	}
	floor := configFloorFor(req.Write, req.ReadFloor)
	now := time.Now()

	online := make([]locCandidate, 0, len(req.Locations))
	var unavailable []int
	var anyConfigOnly bool

	for i, fsid := range req.Locations {
		fs := s.view.Lookup(fsid)
		if fs == nil {
			unavailable = append(unavailable, fsid)
			continue
		}
		snap := fs.Snapshot()
		if !eligibleAccess(snap, now, floor) {
			unavailable = append(unavailable, fsid)
			if snap.BootStatus == fsview.BootBooted && snap.Stat.ErrorCode == 0 {
				anyConfigOnly = true
			}
			continue
		}
		online = append(online, locCandidate{idx: i, fsid: fsid, snap: snap, weight: weight(snap.Stat)})
	}

	if req.Write {
		if len(online) < len(req.Locations) {
			if len(online) == 0 {
				return AccessResult{Unavailable: unavailable}, errors.NewError(errors.ErrCodeOffline, "no replica online for write")
			}
			if anyConfigOnly {
				return AccessResult{Unavailable: unavailable}, errors.NewError(errors.ErrCodeReadOnly, "one or more replicas are read-only")
			}
			return AccessResult{Unavailable: unavailable}, errors.NewError(errors.ErrCodeStripeShort, "not all stripes online for write")
		}
	} else {
		minOnline := req.LayoutID.MinOnlineReplica()
		if len(online) < minOnline {
			return AccessResult{Unavailable: unavailable}, errors.NewError(errors.ErrCodeOffline, "insufficient replicas online for read")
		}
	}

	applyGeoAndDrainWeights(online, req.ClientGeoTag)

	// Host-affinity pin for reads: if a replica's host matches the
	// client host prefix, use it directly (spec §4.1.2).
	if !req.Write && req.ClientHost != "" {
		for _, c := range online {
			if c.snap.Host == req.ClientHost {
				return AccessResult{Index: c.idx, Unavailable: unavailable}, maybeDegraded(req, online)
			}
		}
	}

	best := online[0]
	for _, c := range online[1:] {
		if c.weight > best.weight {
			best = c
		}
	}
	// Sample by weight; fall back to top-weighted as a progress
	// guarantee (spec §4.1.2 "falling back to the top-weighted
	// replica as a guarantee of progress").
	if picked, ok := sampleWeighted(s.rand.Float64(), online); ok {
		return AccessResult{Index: picked.idx, Unavailable: unavailable}, maybeDegraded(req, online)
	}
	return AccessResult{Index: best.idx, Unavailable: unavailable}, maybeDegraded(req, online)
}

func maybeDegraded(req AccessRequest, online []locCandidate) error {
	if !req.Write && len(online) < req.LayoutID.StripeCount() && len(online) >= req.LayoutID.MinOnlineReplica() {
		return ErrDegradedRead
	}
	return nil
}

func applyGeoAndDrainWeights(cands []locCandidate, clientGeo string) {
	for i := range cands {
		if clientGeo != "" && cands[i].snap.GeoTag != clientGeo {
			cands[i].weight *= 0.1
		}
		if cands[i].snap.DrainStatus != fsview.DrainNone {
			if len(cands) == 1 {
				cands[i].weight = 1.0
			} else {
				cands[i].weight = math.Min(cands[i].weight, 0.1)
			}
		}
	}
}

func sampleWeighted(r float64, cands []locCandidate) (locCandidate, bool) {
	var total float64
	for _, c := range cands {
		total += c.weight
	}
	if total <= 0 {
		return locCandidate{}, false
	}
	target := r * total
	var acc float64
	for _, c := range cands {
		acc += c.weight
		if target <= acc {
			return c, true
		}
	}
	return cands[len(cands)-1], true
}
