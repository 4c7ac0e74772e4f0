// Package scheduler implements component D: the placement and access
// operations that turn a request into a vector of fsids (spec §4.1).
// It owns the per-tag/per-group fairness cursors; fleet state itself
// lives in internal/fsview and is read through snapshots so the
// scheduler never blocks a concurrent status update.
//
// Grounded on internal/distributed/coordinator.go's LoadBalancer
// (round-robin-with-weight node selection over a cluster membership
// map), generalized from picking one backend node per request to
// picking stripeCount(layoutId) fsids per request with the geo-aware,
// drain-aware weighting of spec §4.1.1/§4.1.2.
package scheduler

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/layout"
	"github.com/stratafs/mgm/pkg/errors"
)

// VID is the resolved virtual identity of a caller (spec §1 "the
// per-client authentication mapping... is consumed as a resolved
// identity").
type VID struct {
	UID uint32
	GID uint32
}

// IndexTag identifies the fairness cursor bucket for a request: either
// the caller's (uid,gid) pair or an explicit caller-supplied group tag
// (spec §4.1.1 step 1).
type IndexTag string

// TagFor builds the IndexTag for vid/groupTag (empty groupTag falls
// back to uid:gid).
func TagFor(vid VID, groupTag string) IndexTag {
	if groupTag != "" {
		return IndexTag(groupTag)
	}
	return IndexTag(strconv.FormatUint(uint64(vid.UID), 10) + ":" + strconv.FormatUint(uint64(vid.GID), 10))
}

const (
	minWeight           = 0.1
	netOutWeightFloor   = 0.05
	geoRepeatPenalty     = 0.05
	maxSelectionRounds  = 1000
	heartbeatMaxAge     = 30 * time.Second
)

// Scheduler implements the placement and access operations of spec §4.1.
type Scheduler struct {
	view *fsview.FsView

	mu        sync.Mutex
	nextGroup map[IndexTag]int
	nextFs    map[string]int // key: IndexTag + "/" + groupIndex

	rand *rand.Rand
}

// New returns a Scheduler reading fleet state from view.
func New(view *fsview.FsView) *Scheduler {
	return &Scheduler{
		view:      view,
		nextGroup: make(map[IndexTag]int),
		nextFs:    make(map[string]int),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Scheduler) fsKey(tag IndexTag, group int) string {
	return string(tag) + "/" + strconv.Itoa(group)
}

// weight computes the placement/access acceptance weight of spec
// §4.1.1 step 4: w = max(0.1, (1-diskUtil) * sqrt(max(0, 1-netIn/netEth))).
func weight(st fsview.Stat) float64 {
	diskTerm := 1 - st.DiskUtil
	netTerm := 1.0
	if st.EthRate > 0 {
		netTerm = 1 - float64(st.NetInRate)/float64(st.EthRate)
		if netTerm < 0 {
			netTerm = 0
		}
	}
	w := diskTerm * math.Sqrt(netTerm)
	if w < minWeight {
		return minWeight
	}
	return w
}

// netOutWeight mirrors weight() but against outbound saturation, used
// by step 4's "skip FSs whose outbound network saturation leaves
// netOut-weight below 0.05" rule.
func netOutWeight(st fsview.Stat) float64 {
	if st.EthRate <= 0 {
		return 1.0
	}
	w := 1 - float64(st.NetOutRate)/float64(st.EthRate)
	if w < 0 {
		return 0
	}
	return w
}

// eligiblePlacement applies spec §4.1.1 step 3's filter: booted,
// configured >= rw, zero error code, heartbeat fresh, and enough free
// space for bookingSize.
func eligiblePlacement(snap fsview.Snapshot, now time.Time, bookingSize uint64) bool {
	if snap.BootStatus != fsview.BootBooted {
		return false
	}
	if !snap.ConfigStatus.AtLeast(fsview.ConfigRW) {
		return false
	}
	if snap.Stat.ErrorCode != 0 {
		return false
	}
	if !snap.HeartbeatFresh(now, heartbeatMaxAge) {
		return false
	}
	return uint64(snap.Stat.FreeBytes) >= bookingSize
}

type candidate struct {
	fsid   int
	geoTag string
	weight float64
}

// weightedPick samples one candidate by weight, biasing down repeated
// geo-tags per spec §4.1.1 step 7, and removes it from cands.
func (s *Scheduler) weightedPick(cands []candidate, chosenGeos map[string]bool) (candidate, []candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, cands, false
	}
	for round := 0; round < maxSelectionRounds; round++ {
		idx := s.rand.Intn(len(cands))
		c := cands[idx]
		w := c.weight
		if c.geoTag != "" && chosenGeos[c.geoTag] {
			w *= geoRepeatPenalty
		}
		if s.rand.Float64() < w {
			cands = append(cands[:idx:idx], cands[idx+1:]...)
			return c, cands, true
		}
	}
	// Progress guarantee: after exhausting rounds, accept the
	// highest-weighted remaining candidate outright.
	best := 0
	for i := range cands {
		if cands[i].weight > cands[best].weight {
			best = i
		}
	}
	c := cands[best]
	cands = append(cands[:best:best], cands[best+1:]...)
	return c, cands, true
}

// Place is the placement operation of spec §4.1.1.
func (s *Scheduler) Place(req PlacementRequest) (PlacementResult, error) {
	stripes := req.LayoutID.StripeCount()
	tag := TagFor(req.VID, req.GroupTag)

	sp := s.view.Space(req.Space)
	if sp == nil || len(sp.Groups) == 0 {
		return PlacementResult{}, errors.NewError(errors.ErrCodeNoSpace, "no groups in space "+req.Space)
	}

	s.mu.Lock()
	startGroup := s.nextGroup[tag] % len(sp.Groups)
	s.mu.Unlock()
	if req.ForcedGroup != nil {
		startGroup = *req.ForcedGroup % len(sp.Groups)
	}

	avoid := make(map[int]bool, len(req.Avoid))
	for _, f := range req.Avoid {
		avoid[f] = true
	}

	now := time.Now()
	groupsToTry := len(sp.Groups)
	if req.ForcedGroup != nil {
		groupsToTry = 1
	}

	for attempt := 0; attempt < groupsToTry; attempt++ {
		g := sp.Groups[(startGroup+attempt)%len(sp.Groups)]
		chosen, ok := s.placeInGroup(tag, g, req, avoid, now, stripes)
		if ok {
			s.mu.Lock()
			s.nextGroup[tag] = (g.Index + 1) % len(sp.Groups)
			s.mu.Unlock()
			s.rand.Shuffle(len(chosen), func(i, j int) { chosen[i], chosen[j] = chosen[j], chosen[i] })
			return PlacementResult{FSIDs: chosen}, nil
		}
	}
	return PlacementResult{}, errors.NewError(errors.ErrCodeNoSpace, "no eligible fsids for placement").WithOperation("placement")
}

func (s *Scheduler) placeInGroup(tag IndexTag, g *fsview.FsGroup, req PlacementRequest, avoid map[int]bool, now time.Time, stripes int) ([]int, bool) {
	if len(g.FileSystems) == 0 {
		return nil, false
	}
	key := s.fsKey(tag, g.Index)
	s.mu.Lock()
	start := s.nextFs[key] % len(g.FileSystems)
	s.mu.Unlock()

	hasGeo := req.GeoTag != ""
	cands := make([]candidate, 0, len(g.FileSystems))
	for i := 0; i < len(g.FileSystems); i++ {
		fs := g.FileSystems[(start+i)%len(g.FileSystems)]
		snap := fs.Snapshot()
		if avoid[snap.ID] {
			continue
		}
		if !eligiblePlacement(snap, now, req.BookingSize) {
			continue
		}
		if netOutWeight(snap.Stat) < netOutWeightFloor {
			continue
		}
		cands = append(cands, candidate{fsid: snap.ID, geoTag: snap.GeoTag, weight: weight(snap.Stat)})

		if !hasGeo && len(cands) >= stripes && len(cands) >= len(g.FileSystems)/2 {
			break
		}
	}
	if len(cands) < stripes {
		return nil, false
	}

	chosenGeos := make(map[string]bool)
	result := make([]int, 0, stripes)
	for len(result) < stripes && len(cands) > 0 {
		c, rest, ok := s.weightedPick(cands, chosenGeos)
		cands = rest
		if !ok {
			break
		}
		result = append(result, c.fsid)
		if c.geoTag != "" {
			chosenGeos[c.geoTag] = true
		}
	}
	if len(result) < stripes {
		return nil, false
	}

	s.mu.Lock()
	s.nextFs[key] = (start + 1) % len(g.FileSystems)
	s.mu.Unlock()
	return result, true
}

// PlacementRequest is the input to Place (spec §4.1.1).
type PlacementRequest struct {
	Space        string
	VID          VID
	GroupTag     string
	LayoutID     layout.ID
	Avoid        []int
	Policy       fsview.PlacementPolicy
	GeoTag       string
	Truncate     bool
	ForcedGroup  *int
	BookingSize  uint64
}

// PlacementResult is the output of Place.
type PlacementResult struct {
	FSIDs []int
}
