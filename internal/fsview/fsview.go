// Package fsview implements the FsView (component A of spec §2): the
// shared, in-memory fleet state of file systems, grouped into
// scheduling groups and spaces. It is consumed by the scheduler, the
// drain and balance jobs, and the open pipeline under the global lock
// order of spec §5 (FsView.ViewMutex is always taken first).
//
// Grounded on internal/distributed/cluster.go's ClusterManager/NodeInfo,
// generalized from a gossip-discovered node registry into an
// operator-configured registry of storage-node file systems with
// explicit scheduling-group/space structure (spec §3 FsGroup/FsSpace),
// and on Common::FileSystem from the original EOS source
// (original_source/mgm/FileSystem.cc) for the status/counter surface.
package fsview

import (
	"sync"
	"time"
)

// ConfigStatus is the operator-set configured status of a file system.
type ConfigStatus int

const (
	ConfigEmpty ConfigStatus = iota
	ConfigDrain
	ConfigDrainDead
	ConfigRO
	ConfigWO
	ConfigRW
	ConfigOff
)

func (s ConfigStatus) String() string {
	switch s {
	case ConfigEmpty:
		return "empty"
	case ConfigDrain:
		return "drain"
	case ConfigDrainDead:
		return "draindead"
	case ConfigRO:
		return "ro"
	case ConfigWO:
		return "wo"
	case ConfigRW:
		return "rw"
	case ConfigOff:
		return "off"
	default:
		return "unknown"
	}
}

// AtLeast reports whether s is at least as writable as min in the
// ConfigStatus ordering used by eligibility checks (off < drain/draindead
// < ro/wo < rw); spec §4.1.1 step 3 "configured >= rw".
func (s ConfigStatus) AtLeast(min ConfigStatus) bool {
	return rank(s) >= rank(min)
}

func rank(s ConfigStatus) int {
	switch s {
	case ConfigOff:
		return 0
	case ConfigDrainDead:
		return 1
	case ConfigDrain:
		return 2
	case ConfigEmpty:
		return 3
	case ConfigRO, ConfigWO:
		return 4
	case ConfigRW:
		return 5
	default:
		return -1
	}
}

// BootStatus is the observed boot state of a file system's daemon.
type BootStatus int

const (
	BootDown BootStatus = iota
	BootBooting
	BootBooted
	BootOpError
	BootFailure
)

func (s BootStatus) String() string {
	switch s {
	case BootDown:
		return "down"
	case BootBooting:
		return "booting"
	case BootBooted:
		return "booted"
	case BootOpError:
		return "opserror"
	case BootFailure:
		return "bootfailure"
	default:
		return "unknown"
	}
}

// DrainStatus is the current phase of the drain state machine (spec §4.3).
type DrainStatus int

const (
	DrainNone DrainStatus = iota
	DrainPrepare
	DrainWait
	Draining
	DrainStalling
	Drained
	DrainExpired
)

func (s DrainStatus) String() string {
	switch s {
	case DrainNone:
		return "nodrain"
	case DrainPrepare:
		return "drainprepare"
	case DrainWait:
		return "drainwait"
	case Draining:
		return "draining"
	case DrainStalling:
		return "drainstalling"
	case Drained:
		return "drained"
	case DrainExpired:
		return "drainexpired"
	default:
		return "unknown"
	}
}

// NoFsID is the reserved "no filesystem" id (spec §3 invariant: 0 is
// reserved as "no filesystem").
const NoFsID = 0

// Stat holds the exported, frequently-read counters of a file system.
// Background jobs (drain, balance) write these; the scheduler and the
// admin API read them.
type Stat struct {
	UsedBytes  int64
	FreeBytes  int64
	Files      int64
	DiskUtil   float64 // 0.0-1.0
	NetInRate  int64   // bytes/sec
	NetOutRate int64   // bytes/sec
	EthRate    int64   // bytes/sec, link capacity
	ErrorCode  int

	DrainFiles      int64
	DrainBytesLeft  int64
	DrainProgress   float64 // 0-100
	Balancing       bool
	BalanceProgress float64
}

// FileSystem is one logical disk owned by one storage node (spec §3).
// Mutable fields are guarded by FsView.ViewMutex (taken by the owning
// FsView); FileSystem itself holds no lock so that Snapshot can be
// called freely by readers holding only a read lock.
type FileSystem struct {
	ID           int
	Host         string
	Port         int
	Path         string
	GeoTag       string
	GroupIndex   int
	SpaceName    string
	ConfigStatus ConfigStatus
	BootStatus   BootStatus
	DrainStatus  DrainStatus
	// Drainer mirrors the original's "stat.drainer" attribute: true on
	// every FS in a group while any member of that group is draining or
	// drainstalling, telling peer FSes to start serving pull-replicas
	// for the draining member (spec §4.3). Maintained by
	// FsView.SetDrainStatus; never set directly.
	Drainer   bool
	Heartbeat time.Time
	Stat      Stat

	onConfigStatusChanged []ConfigStatusHook
}

// ConfigStatusHook is called synchronously, under the FsView write lock,
// whenever a file system's ConfigStatus changes. This replaces the
// teacher-independent idea of subclassing FileSystem to intercept
// SetConfigStatus (spec §9 "Inheritance" design note): composition over
// virtual dispatch. The drain engine's hook is registered on every file
// system to learn about entry into/exit from ConfigDrain/ConfigDrainDead.
type ConfigStatusHook func(fs *FileSystem, old, new ConfigStatus)

// Snapshot is an immutable value copy of a FileSystem, safe to read
// without holding any lock (spec §3 invariant: "A snapshot of an FS is
// an immutable value object; consumers operate on snapshots to avoid
// racing against status updates.").
type Snapshot struct {
	ID           int
	Host         string
	Port         int
	Path         string
	GeoTag       string
	GroupIndex   int
	SpaceName    string
	ConfigStatus ConfigStatus
	BootStatus   BootStatus
	DrainStatus  DrainStatus
	Drainer      bool
	Heartbeat    time.Time
	Stat         Stat
}

// Snapshot copies the current state of fs. Callers must hold at least a
// read lock on the owning FsView while calling this.
func (fs *FileSystem) Snapshot() Snapshot {
	return Snapshot{
		ID:           fs.ID,
		Host:         fs.Host,
		Port:         fs.Port,
		Path:         fs.Path,
		GeoTag:       fs.GeoTag,
		GroupIndex:   fs.GroupIndex,
		SpaceName:    fs.SpaceName,
		ConfigStatus: fs.ConfigStatus,
		BootStatus:   fs.BootStatus,
		DrainStatus:  fs.DrainStatus,
		Drainer:      fs.Drainer,
		Heartbeat:    fs.Heartbeat,
		Stat:         fs.Stat,
	}
}

// HeartbeatFresh reports whether the snapshot's heartbeat is within maxAge
// of now (spec §4.1.1 step 3 "heartbeat fresh").
func (s Snapshot) HeartbeatFresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Heartbeat) <= maxAge
}

// AddConfigStatusHook registers a hook invoked by FsView.SetConfigStatus.
func (fs *FileSystem) AddConfigStatusHook(h ConfigStatusHook) {
	fs.onConfigStatusChanged = append(fs.onConfigStatusChanged, h)
}

// FsGroup is an ordered set of file systems sharing a scheduling index
// inside their space (spec §3 FsGroup).
type FsGroup struct {
	Index       int
	SpaceName   string
	FileSystems []*FileSystem // stable order; index within is the cyclic position

	// Balancing state, owned exclusively by the one balance job for
	// this group (spec §4.4).
	Balancing bool
	Stalled   bool
	Cooldown  bool
}

// AverageUsedBytes computes the group's average used-bytes aggregate
// over booted members (spec §3 FsSpace "average used bytes").
func (g *FsGroup) AverageUsedBytes() int64 {
	var total int64
	var n int64
	for _, fs := range g.FileSystems {
		if fs.BootStatus != BootBooted {
			continue
		}
		total += fs.Stat.UsedBytes
		n++
	}
	if n == 0 {
		return 0
	}
	return total / n
}

// PlacementPolicy controls how the scheduler spreads stripes (spec §4.1.1).
type PlacementPolicy int

const (
	PolicyLocal PlacementPolicy = iota
	PolicySpread
	PolicyHybrid
)

// SpaceConfig carries the per-space tunables of spec §3 FsSpace.
type SpaceConfig struct {
	Placement       PlacementPolicy
	QuotaOn         bool
	DrainPeriod     time.Duration
	DrainMaxRetry   int
	BalanceThreshold float64 // fraction above space average that marks a source
}

// FsSpace is a named set of groups sharing policy and quota (spec §3).
type FsSpace struct {
	Name   string
	Groups []*FsGroup
	Config SpaceConfig
}

// FsView is the shared, authoritative fleet-state service (component A).
// It is constructed once before any request-serving goroutine starts
// (spec §9 "Global mutable state") and passed to every subsystem that
// needs it.
type FsView struct {
	mu sync.RWMutex

	byID   map[int]*FileSystem
	spaces map[string]*FsSpace
}

// New returns an empty FsView.
func New() *FsView {
	return &FsView{
		byID:   make(map[int]*FileSystem),
		spaces: make(map[string]*FsSpace),
	}
}

// RLock/RUnlock/Lock/Unlock expose the ViewMutex directly so that callers
// needing to compose an FsView read with a namespace read (spec §5 lock
// order: ViewMutex before namespace) can hold it across several calls.
func (v *FsView) RLock()   { v.mu.RLock() }
func (v *FsView) RUnlock() { v.mu.RUnlock() }
func (v *FsView) Lock()    { v.mu.Lock() }
func (v *FsView) Unlock()  { v.mu.Unlock() }

// RegisterSpace adds a new, empty space if absent.
func (v *FsView) RegisterSpace(name string, cfg SpaceConfig) *FsSpace {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sp, ok := v.spaces[name]; ok {
		return sp
	}
	sp := &FsSpace{Name: name, Config: cfg}
	v.spaces[name] = sp
	return sp
}

// Space returns the named space, or nil.
func (v *FsView) Space(name string) *FsSpace {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.spaces[name]
}

// Spaces returns all registered space names.
func (v *FsView) Spaces() []*FsSpace {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*FsSpace, 0, len(v.spaces))
	for _, sp := range v.spaces {
		out = append(out, sp)
	}
	return out
}

// RegisterFileSystem adds fs to its space, creating the group at
// fs.GroupIndex if necessary, and indexes it by id. fsid 0 is rejected
// (spec §3 invariant).
func (v *FsView) RegisterFileSystem(fs *FileSystem) error {
	if fs.ID == NoFsID {
		return errInvalidFsID
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	sp, ok := v.spaces[fs.SpaceName]
	if !ok {
		sp = &FsSpace{Name: fs.SpaceName}
		v.spaces[fs.SpaceName] = sp
	}
	for len(sp.Groups) <= fs.GroupIndex {
		sp.Groups = append(sp.Groups, &FsGroup{Index: len(sp.Groups), SpaceName: sp.Name})
	}
	g := sp.Groups[fs.GroupIndex]
	g.FileSystems = append(g.FileSystems, fs)
	v.byID[fs.ID] = fs
	return nil
}

// Lookup returns the FileSystem for fsid, or nil.
func (v *FsView) Lookup(fsid int) *FileSystem {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.byID[fsid]
}

// Snapshot returns a value snapshot of fsid, or the zero Snapshot and
// false if unknown.
func (v *FsView) Snapshot(fsid int) (Snapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fs, ok := v.byID[fsid]
	if !ok {
		return Snapshot{}, false
	}
	return fs.Snapshot(), true
}

// Group returns the group at index idx within the named space.
func (v *FsView) Group(space string, idx int) *FsGroup {
	v.mu.RLock()
	defer v.mu.RUnlock()
	sp, ok := v.spaces[space]
	if !ok || idx < 0 || idx >= len(sp.Groups) {
		return nil
	}
	return sp.Groups[idx]
}

// SetConfigStatus mutates fs's configured status under the write lock
// and fires its registered hooks (spec §9 composition-over-inheritance
// design note for drain-on-status-change).
func (v *FsView) SetConfigStatus(fsid int, new ConfigStatus) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	fs, ok := v.byID[fsid]
	if !ok {
		return false
	}
	old := fs.ConfigStatus
	if old == new {
		return true
	}
	fs.ConfigStatus = new
	for _, h := range fs.onConfigStatusChanged {
		h(fs, old, new)
	}
	return true
}

// SetDrainStatus mutates fs's drain phase under the write lock; used
// by the drain job's supervisor (spec §4.3) and by the transfer
// scheduler's source classification, which reads it back via Snapshot.
// It also recomputes Drainer across every member of fs's group.
func (v *FsView) SetDrainStatus(fsid int, status DrainStatus) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	fs, ok := v.byID[fsid]
	if !ok {
		return false
	}
	fs.DrainStatus = status
	v.syncGroupDrainer(fs)
	return true
}

// syncGroupDrainer sets Drainer on every FileSystem sharing fs's group:
// true while any member is draining or drainstalling, false once none
// are. This is what gets peer FSes to start serving pull-replicas for
// the draining member and stop once drain ends or is cancelled (spec
// §4.3), grounded on original_source's DrainJob::SetDrainer. Caller
// must hold the write lock.
func (v *FsView) syncGroupDrainer(fs *FileSystem) {
	sp, ok := v.spaces[fs.SpaceName]
	if !ok || fs.GroupIndex < 0 || fs.GroupIndex >= len(sp.Groups) {
		return
	}
	g := sp.Groups[fs.GroupIndex]
	active := false
	for _, member := range g.FileSystems {
		if member.DrainStatus == Draining || member.DrainStatus == DrainStalling {
			active = true
			break
		}
	}
	for _, member := range g.FileSystems {
		member.Drainer = active
	}
}

// UpdateStat replaces fs's Stat under the write lock; used by the
// heartbeat listener and by drain/balance progress export.
func (v *FsView) UpdateStat(fsid int, mutate func(*Stat)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	fs, ok := v.byID[fsid]
	if !ok {
		return false
	}
	mutate(&fs.Stat)
	return true
}

// Heartbeat records a fresh heartbeat timestamp for fsid.
func (v *FsView) Heartbeat(fsid int, at time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	fs, ok := v.byID[fsid]
	if !ok {
		return false
	}
	fs.Heartbeat = at
	return true
}
