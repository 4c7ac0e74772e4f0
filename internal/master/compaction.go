package master

import (
	"context"
	"sync"
	"time"

	"github.com/stratafs/mgm/pkg/utils"
)

// NamespaceLock is the lock discipline compaction needs from the
// directory tree: a read lock for the prepare phase and a write lock
// for the commit phase (spec §4.5 "under explicit lock discipline").
type NamespaceLock interface {
	RLock()
	RUnlock()
	Lock()
	Unlock()
}

// Compactor performs the three compaction phases against one kind of
// changelog (files or directories). CompactPrepare runs under a
// namespace read lock and produces ".oc" copies; Compact runs
// unlocked; CompactCommit runs under a namespace write lock and
// produces the final renamed state (spec §4.5).
type Compactor interface {
	CompactPrepare(ctx context.Context) (prepared bool, err error)
	Compact(ctx context.Context) error
	CompactCommit(ctx context.Context, epoch string) (ratio float64, err error)

	// CommittedPath returns the on-disk path of the "<path>.<epoch>"
	// segment produced by the most recent CompactCommit, for Archiver
	// to push off-box.
	CommittedPath(epoch string) string
}

// PeerSignaler notifies peer MGMs to reload their changelog files
// after a successful compaction (spec §4.5 "signal peers to reload",
// the mastersignalreload query).
type PeerSignaler interface {
	SignalReload(ctx context.Context, peer string) error
}

// Archiver pushes a committed changelog segment off-box for durability
// (internal/changelog/archive.Archiver satisfies this).
type Archiver interface {
	Archive(ctx context.Context, localPath string) error
}

// CompactionConfig carries the compaction schedule (spec §4.5).
type CompactionConfig struct {
	StartTime      time.Time // not consulted: cycles run every RepeatInterval from loop start
	RepeatInterval time.Duration
	Files          bool
	Directories    bool
}

// Compaction runs the scheduled compaction cycle for a Controller. It
// is only active while the Controller's role is master-rw; it can be
// gated externally (spec's "blocked" state set by peers mid-transition).
type Compaction struct {
	c        *Controller
	cfg      CompactionConfig
	lock     NamespaceLock
	files    Compactor
	dirs     Compactor
	peers    PeerSignaler
	names    []string // peer names to signal on success
	archiver Archiver
	logger   *utils.StructuredLogger

	mu      sync.Mutex
	running bool
	blocked bool
	cond    *sync.Cond
}

func newCompaction(c *Controller) *Compaction {
	comp := &Compaction{c: c}
	comp.cond = sync.NewCond(&comp.mu)
	return comp
}

// Configure installs the compaction schedule and its collaborators.
// Passing a nil lock/files/dirs disables the corresponding kind.
func (comp *Compaction) Configure(cfg CompactionConfig, lock NamespaceLock, files, dirs Compactor, peers PeerSignaler, peerNames []string, logger *utils.StructuredLogger) {
	comp.mu.Lock()
	defer comp.mu.Unlock()
	comp.cfg = cfg
	comp.lock = lock
	comp.files = files
	comp.dirs = dirs
	comp.peers = peers
	comp.names = peerNames
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	comp.logger = logger
}

// SetArchiver installs an optional off-box archiver for committed
// changelog segments. A nil archiver disables archival.
func (comp *Compaction) SetArchiver(a Archiver) {
	comp.mu.Lock()
	comp.archiver = a
	comp.mu.Unlock()
}

// Block prevents new compaction cycles from starting (spec's
// peer-signalled "blocked" state during a remote transition).
func (comp *Compaction) Block(blocked bool) {
	comp.mu.Lock()
	comp.blocked = blocked
	comp.mu.Unlock()
}

// waitIdle blocks until no compaction cycle is in progress, used by
// MasterToMasterRO before switching the namespace to read-only.
func (comp *Compaction) waitIdle() {
	comp.mu.Lock()
	defer comp.mu.Unlock()
	for comp.running {
		comp.cond.Wait()
	}
}

func (comp *Compaction) loop(ctx context.Context) {
	for {
		wait := comp.nextDelay()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		comp.maybeRun(ctx)
	}
}

func (comp *Compaction) nextDelay() time.Duration {
	comp.mu.Lock()
	interval := comp.cfg.RepeatInterval
	comp.mu.Unlock()
	if interval <= 0 {
		return time.Hour
	}
	return interval
}

func (comp *Compaction) maybeRun(ctx context.Context) {
	if comp.c.Role() != RoleMasterRW {
		return
	}
	comp.mu.Lock()
	if comp.blocked || comp.running {
		comp.mu.Unlock()
		return
	}
	comp.running = true
	lock, files, dirs, doFiles, doDirs := comp.lock, comp.files, comp.dirs, comp.cfg.Files, comp.cfg.Directories
	comp.mu.Unlock()

	defer func() {
		comp.mu.Lock()
		comp.running = false
		comp.cond.Broadcast()
		comp.mu.Unlock()
	}()

	if doFiles && files != nil {
		comp.runOne(ctx, lock, files, "files")
	}
	if doDirs && dirs != nil {
		comp.runOne(ctx, lock, dirs, "directories")
	}
}

// runOne executes the three-phase cycle for one changelog kind (spec
// §4.5). On any error the cycle is aborted and logged; the running
// namespace is unaffected since no rename has happened before commit.
func (comp *Compaction) runOne(ctx context.Context, lock NamespaceLock, kind Compactor, label string) {
	epoch := epochSuffix()

	lock.RLock()
	prepared, err := kind.CompactPrepare(ctx)
	lock.RUnlock()
	if err != nil || !prepared {
		if err != nil {
			comp.logger.Warn("compaction prepare failed", map[string]interface{}{"kind": label, "error": err.Error()})
		}
		return
	}

	if err := kind.Compact(ctx); err != nil {
		comp.logger.Warn("compaction failed", map[string]interface{}{"kind": label, "error": err.Error()})
		return
	}

	lock.Lock()
	ratio, err := kind.CompactCommit(ctx, epoch)
	lock.Unlock()
	if err != nil {
		comp.logger.Warn("compaction commit failed", map[string]interface{}{"kind": label, "error": err.Error()})
		return
	}

	comp.logger.Info("compaction committed", map[string]interface{}{"kind": label, "epoch": epoch, "ratio": ratio})

	if comp.peers != nil {
		for _, name := range comp.names {
			_ = comp.peers.SignalReload(ctx, name)
		}
	}

	comp.mu.Lock()
	archiver := comp.archiver
	comp.mu.Unlock()
	if archiver != nil {
		if err := archiver.Archive(ctx, kind.CommittedPath(epoch)); err != nil {
			comp.logger.Warn("changelog archive failed", map[string]interface{}{"kind": label, "epoch": epoch, "error": err.Error()})
		}
	}
}

func epochSuffix() string {
	return time.Now().UTC().Format("20060102T150405")
}
