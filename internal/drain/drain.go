// Package drain implements component G: one supervised drain job per
// file system whose configured status is "drain" or "draindead" (spec
// §4.3). The engine starts and stops per-FS jobs by observing
// FsView.ConfigStatus transitions through the composed
// fsview.ConfigStatusHook (spec §9 "Inheritance" design note), so
// fsview itself stays ignorant of drain.
//
// Grounded on internal/health/remediation.go's registry-of-rules shape
// (one independently-lifecycled unit per monitored target, started and
// stopped on an external trigger) generalized from health remediation
// actions to a per-FS state machine. Each job is stopped through its
// own context.CancelFunc and done channel; no errgroup is involved.
package drain

import (
	"context"
	"sync"
	"time"

	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/statnotify"
	"github.com/stratafs/mgm/pkg/utils"
)

// FileSource is the narrow contract the drain job needs from the
// directory/file tree (spec §1 external-tree boundary).
type FileSource interface {
	// FilesOnFS returns the fids currently located on fsid.
	FilesOnFS(fsid int) []uint64
	// FileSize returns fid's logical size.
	FileSize(fid uint64) (uint64, bool)
	// PendingWriters reports whether fsid has open write handles, which
	// blocks the immediate "no files -> drained" shortcut (spec §4.3
	// "no files and no pending open writers").
	PendingWriters(fsid int) bool
}

// Config carries the drain job's tunables (spec §4.3).
type Config struct {
	// ServiceDelay is the prepare-state wait before sampling (default 60s).
	ServiceDelay time.Duration
	// SampleInterval is the re-sampling period while draining (~1s).
	SampleInterval time.Duration
	// StallThreshold marks drainstalling when remaining is unchanged
	// for this long (default 10 minutes).
	StallThreshold time.Duration
	// MaxRetry bounds re-entry into prepare after drainexpired (default 1).
	MaxRetry int
	// GracePeriod is honored before counting drain time when
	// operatorError mode is set on the FS (the graceperiod attribute).
	GracePeriod time.Duration
}

// DefaultConfig matches the spec §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		ServiceDelay:   60 * time.Second,
		SampleInterval: time.Second,
		StallThreshold: 10 * time.Minute,
		MaxRetry:       1,
	}
}

// AdmissionGate reports whether new drain jobs may start right now. A
// nil gate always admits. master.Controller satisfies this through its
// AdmitNewRounds method, which refuses during a role transition and for
// the hour after a slave→master promotion (spec §4.5, §5 "Ordering
// guarantees").
type AdmissionGate interface {
	AdmitNewRounds() bool
}

// Engine owns the lifecycle of every currently-running drain job.
type Engine struct {
	view   *fsview.FsView
	files  FileSource
	cfg    Config
	notify statnotify.Notifier
	logger *utils.StructuredLogger
	gate   AdmissionGate

	mu   sync.Mutex
	jobs map[int]*job
}

// SetAdmissionGate installs the promotion-barrier check consulted by
// start before admitting a new drain job. Optional; an engine with no
// gate always admits.
func (e *Engine) SetAdmissionGate(gate AdmissionGate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = gate
}

// New returns a drain Engine. A nil notify defaults to
// statnotify.Discard; a nil logger installs a default one.
func New(view *fsview.FsView, files FileSource, cfg Config, notify statnotify.Notifier, logger *utils.StructuredLogger) *Engine {
	if notify == nil {
		notify = statnotify.Discard
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	return &Engine{view: view, files: files, cfg: cfg, notify: notify, logger: logger, jobs: make(map[int]*job)}
}

// Hook returns the fsview.ConfigStatusHook that starts or stops a
// drain job in response to configured-status transitions. The caller
// registers it on every FileSystem at construction time (spec §9
// composition over virtual SetConfigStatus override).
func (e *Engine) Hook() fsview.ConfigStatusHook {
	return e.onConfigStatusChanged
}

func isDrainStatus(s fsview.ConfigStatus) bool {
	return s == fsview.ConfigDrain || s == fsview.ConfigDrainDead
}

func (e *Engine) onConfigStatusChanged(fs *fsview.FileSystem, old, new fsview.ConfigStatus) {
	wasDraining := isDrainStatus(old)
	isDraining := isDrainStatus(new)
	switch {
	case isDraining && !wasDraining:
		e.start(fs.ID)
	case !isDraining && wasDraining:
		e.stop(fs.ID)
	}
}

func (e *Engine) start(fsid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.jobs[fsid]; ok {
		return
	}
	if e.gate != nil && !e.gate.AdmitNewRounds() {
		e.logger.Warn("drain admission blocked by promotion barrier", map[string]interface{}{"fsid": fsid})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		fsid:   fsid,
		view:   e.view,
		files:  e.files,
		cfg:    e.cfg,
		notify: e.notify,
		logger: e.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// deregister lets the job remove itself from the engine's table
	// before it drives a ConfigStatus change that would otherwise
	// re-enter onConfigStatusChanged -> stop() synchronously from
	// within this same goroutine and deadlock waiting on its own done
	// channel.
	j.deregister = func() {
		e.mu.Lock()
		if cur, ok := e.jobs[fsid]; ok && cur == j {
			delete(e.jobs, fsid)
		}
		e.mu.Unlock()
	}
	e.jobs[fsid] = j
	go func() {
		defer close(j.done)
		j.run(ctx)
	}()
}

// stop cancels fsid's drain job if running (spec §4.3 "destruction
// cancels the supervisor, resets the exported counters, and disables
// drain-pull on peers" — cancellation itself resets the counters and
// drain status inside job.run's deferred cleanup).
func (e *Engine) stop(fsid int) {
	e.mu.Lock()
	j, ok := e.jobs[fsid]
	if ok {
		delete(e.jobs, fsid)
	}
	e.mu.Unlock()
	if ok {
		j.cancel()
		<-j.done
	}
}

// Running reports whether fsid currently has an active drain job.
func (e *Engine) Running(fsid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[fsid]
	return ok
}

// ActiveFsids lists every fsid with a currently running drain job, for
// status reporting.
func (e *Engine) ActiveFsids() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	fsids := make([]int, 0, len(e.jobs))
	for fsid := range e.jobs {
		fsids = append(fsids, fsid)
	}
	return fsids
}

// Shutdown stops every running drain job, used at process exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	fsids := make([]int, 0, len(e.jobs))
	for fsid := range e.jobs {
		fsids = append(fsids, fsid)
	}
	e.mu.Unlock()
	for _, fsid := range fsids {
		e.stop(fsid)
	}
}
