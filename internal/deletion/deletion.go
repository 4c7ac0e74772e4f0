// Package deletion implements component J: the once-a-minute deletion
// dispatcher that walks every file system's unlinked-location list,
// batches fids in groups of up to 1024, and sends a signed drop
// capability to each FS's owning node queue (spec §4.8).
//
// Grounded on internal/batch/processor.go's batched-flush-loop shape
// (accumulate operations, flush on a timer, bounded batch size),
// generalized from byte-buffer batching to per-FS fid-batch dispatch,
// and on golang.org/x/time/rate for bounding the dispatch rate under a
// large backlog (the pack's gcsfuse uses the same library for request
// throttling).
package deletion

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stratafs/mgm/internal/capability"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/namespace"
	"github.com/stratafs/mgm/pkg/utils"
)

// FileSource is the narrow contract the dispatcher needs from the
// directory/file tree (spec §1 external-tree boundary).
type FileSource interface {
	// UnlinkedOnFS returns the fids carrying an unlinked (awaiting
	// physical deletion) stripe on fsid.
	UnlinkedOnFS(fsid int) []uint64
}

// NodeSender delivers a signed drop envelope to the storage node
// owning fsid. The concrete transport (message queue, RPC) is an
// external collaborator.
type NodeSender interface {
	Send(ctx context.Context, fsid int, envelope string) error
}

// Config carries the deletion dispatcher's tunables (spec §4.8).
type Config struct {
	Interval      time.Duration // 1 minute
	BatchSize     int           // 1024 fids per drop capability
	RatePerSecond float64       // dispatch-batch rate limit
}

// DefaultConfig matches the spec §4.8 defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		BatchSize:     1024,
		RatePerSecond: 50,
	}
}

// heartbeatMaxAge bounds how stale a snapshot's heartbeat may be
// before its FS is treated as offline and skipped for this round
// (spec §4.8 "a per-FS condition (node offline) short-circuits the
// round for that FS").
const heartbeatMaxAge = 30 * time.Second

// Dispatcher owns the single background loop that runs one deletion
// round per Config.Interval.
type Dispatcher struct {
	view   *fsview.FsView
	files  FileSource
	ns     namespace.View
	caps   *capability.Engine
	sender NodeSender
	cfg    Config
	logger *utils.StructuredLogger

	limiter *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Dispatcher. A nil logger installs a default one.
func New(view *fsview.FsView, files FileSource, ns namespace.View, caps *capability.Engine, sender NodeSender, cfg Config, logger *utils.StructuredLogger) *Dispatcher {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 50
	}
	return &Dispatcher{
		view: view, files: files, ns: ns, caps: caps, sender: sender, cfg: cfg, logger: logger,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// Start launches the dispatcher's background loop, if not already
// running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(loopCtx)
}

// Stop cancels the background loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.round(ctx)
		}
	}
}

// round performs one pass over every registered FS (spec §4.8).
func (d *Dispatcher) round(ctx context.Context) {
	for _, sp := range d.view.Spaces() {
		for _, g := range sp.Groups {
			for _, fs := range g.FileSystems {
				if ctx.Err() != nil {
					return
				}
				d.dispatchFS(ctx, fs.Snapshot())
			}
		}
	}
}

func eligible(snap fsview.Snapshot) bool {
	if snap.BootStatus != fsview.BootBooted {
		return false
	}
	if snap.Stat.ErrorCode != 0 {
		return false
	}
	return snap.HeartbeatFresh(time.Now(), heartbeatMaxAge)
}

func (d *Dispatcher) dispatchFS(ctx context.Context, snap fsview.Snapshot) {
	if !eligible(snap) {
		return
	}
	fids := d.files.UnlinkedOnFS(snap.ID)
	if len(fids) == 0 {
		return
	}
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1024
	}
	for start := 0; start < len(fids); start += batchSize {
		end := start + batchSize
		if end > len(fids) {
			end = len(fids)
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if err := d.dispatchBatch(ctx, snap, fids[start:end]); err != nil {
			d.logger.Warn("deletion batch dispatch failed", map[string]interface{}{
				"fsid": snap.ID, "space": snap.SpaceName, "error": err.Error(),
			})
			return
		}
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, snap fsview.Snapshot, fids []uint64) error {
	batch := make([]uint64, len(fids))
	copy(batch, fids)
	env, err := d.caps.SignDrop(capability.DropFields{
		Space:       snap.SpaceName,
		FsID:        snap.ID,
		LocalPrefix: snap.Path,
		FileIDs:     batch,
	})
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, snap.ID, env)
}

// HandleDropAck applies an FST's acknowledgement that fid's physical
// copy on fsid has been deleted: fsid moves off fid's Unlinked list,
// and the FileMD is destroyed once both lists are empty (spec §4.8
// step 3, namespace.FileMD.IsOrphan).
func (d *Dispatcher) HandleDropAck(ctx context.Context, fid namespace.FileID, fsid int) error {
	f, err := d.ns.GetFile(ctx, fid)
	if err != nil {
		return err
	}
	f.RemoveUnlinked(fsid)
	if f.IsOrphan() {
		return d.ns.RemoveFile(ctx, fid)
	}
	return d.ns.UpdateFile(ctx, f)
}
