// Package balance implements component H: one supervised balancing job
// per scheduling group, periodically equalising used bytes within the
// group by pushing TransferJobs onto the over-full members' peers
// (spec §4.4).
//
// Grounded on internal/distributed/coordinator.go's round-robin
// LoadBalancer (candidate classification plus cursor-based matching),
// generalized from single-node selection to matching many sources to
// many targets within one round, and on internal/batch/processor.go's
// bounded-concurrency batch-submission shape for the per-round job cap
// (spec invariant P8, "at most 5000 jobs per invocation").
package balance

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/stratafs/mgm/internal/capability"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/recentcache"
	"github.com/stratafs/mgm/internal/statnotify"
	"github.com/stratafs/mgm/internal/transferqueue"
	"github.com/stratafs/mgm/pkg/utils"
)

// Config carries the balance job's tunables (spec §4.4).
type Config struct {
	MinJitter       time.Duration // 100s
	MaxJitter       time.Duration // 120s
	PollInterval    time.Duration // 10s
	StallThreshold  time.Duration // 300s
	AbortThreshold  time.Duration // 3600s
	Cooldown        time.Duration // 120s
	MaxJobsPerRound int           // 5000, invariant P8
}

// DefaultConfig matches the spec §4.4 defaults.
func DefaultConfig() Config {
	return Config{
		MinJitter:       100 * time.Second,
		MaxJitter:       120 * time.Second,
		PollInterval:    10 * time.Second,
		StallThreshold:  300 * time.Second,
		AbortThreshold:  3600 * time.Second,
		Cooldown:        120 * time.Second,
		MaxJobsPerRound: 5000,
	}
}

// AdmissionGate reports whether a new balance round may begin right
// now. A nil gate always admits. master.Controller satisfies this
// through its AdmitNewRounds method, which refuses during a role
// transition and for the hour after a slave→master promotion (spec
// §4.5, §5 "Ordering guarantees").
type AdmissionGate interface {
	AdmitNewRounds() bool
}

// Engine owns every running per-group balance job. transferqueue.FileSource
// is reused as-is: it is exactly the (FilesOnFS, HasReplica, FileSize)
// contract a balance round needs from the directory tree.
type Engine struct {
	view   *fsview.FsView
	files  transferqueue.FileSource
	queue  *transferqueue.Queue
	caps   *capability.Engine
	recent *recentcache.Cache
	cfg    Config
	notify statnotify.Notifier
	logger *utils.StructuredLogger
	gate   AdmissionGate

	// criticalMu serialises step 5 (the matching/transaction-building
	// phase) across every group's job in the process (spec §4.4
	// Concurrency: "only one balance job may be in the scheduling
	// critical section at a time across the process").
	criticalMu sync.Mutex

	mu   sync.Mutex
	jobs map[string]*groupJob
	rnd  *rand.Rand
	rmu  sync.Mutex
}

// SetAdmissionGate installs the promotion-barrier check consulted by
// round before admitting a new balance pass. Optional; an engine with
// no gate always admits.
func (e *Engine) SetAdmissionGate(gate AdmissionGate) {
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
}

// New returns a balance Engine. A nil notify defaults to
// statnotify.Discard; a nil logger installs a default one.
func New(view *fsview.FsView, files transferqueue.FileSource, queue *transferqueue.Queue, caps *capability.Engine, recent *recentcache.Cache, cfg Config, notify statnotify.Notifier, logger *utils.StructuredLogger) *Engine {
	if notify == nil {
		notify = statnotify.Discard
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	return &Engine{
		view: view, files: files, queue: queue, caps: caps, recent: recent,
		cfg: cfg, notify: notify, logger: logger,
		jobs: make(map[string]*groupJob),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) admitted() bool {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	return gate == nil || gate.AdmitNewRounds()
}

func groupKey(space string, idx int) string {
	return space + "/" + strconv.Itoa(idx)
}

func (e *Engine) jitter() time.Duration {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	span := e.cfg.MaxJitter - e.cfg.MinJitter
	if span <= 0 {
		return e.cfg.MinJitter
	}
	return e.cfg.MinJitter + time.Duration(e.rnd.Int63n(int64(span)))
}

// Start launches the balance job for one scheduling group, if not
// already running.
func (e *Engine) Start(space string, groupIndex int) {
	key := groupKey(space, groupIndex)
	e.mu.Lock()
	if _, ok := e.jobs[key]; ok {
		e.mu.Unlock()
		return
	}
	j := newGroupJob(e, space, groupIndex)
	e.jobs[key] = j
	e.mu.Unlock()
	go j.run()
}

// ActiveGroups lists the "space/groupIndex" keys with a currently
// running balance job, for status reporting.
func (e *Engine) ActiveGroups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.jobs))
	for k := range e.jobs {
		keys = append(keys, k)
	}
	return keys
}

// StartAll launches one balance job per currently-registered group.
func (e *Engine) StartAll() {
	for _, sp := range e.view.Spaces() {
		for _, g := range sp.Groups {
			e.Start(sp.Name, g.Index)
		}
	}
}

// Stop cancels and clears the named group's balance job (spec §4.4
// "a single termination point cancels the thread and clears this
// group's balance queues").
func (e *Engine) Stop(space string, groupIndex int) {
	key := groupKey(space, groupIndex)
	e.mu.Lock()
	j, ok := e.jobs[key]
	if ok {
		delete(e.jobs, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	j.stop()
	g := e.view.Group(space, groupIndex)
	if g != nil {
		for _, fs := range g.FileSystems {
			e.queue.Clear(fs.ID)
		}
	}
}

// Shutdown stops every running job.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	keys := make([]string, 0, len(e.jobs))
	for k := range e.jobs {
		keys = append(keys, k)
	}
	e.mu.Unlock()
	for _, k := range keys {
		e.mu.Lock()
		j := e.jobs[k]
		delete(e.jobs, k)
		e.mu.Unlock()
		if j != nil {
			j.stop()
		}
	}
}
