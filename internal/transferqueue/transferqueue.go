// Package transferqueue implements the per-FS TransferJob queues (spec
// §3 "TransferJob", §5 "Shared-resource policy") and the shared
// schedule2balance/schedule2drain handler (§4.7) that storage nodes
// poll for work.
//
// Grounded on internal/buffer/manager.go's Manager (per-key buffered
// queue with a worker-facing Flush/stop lifecycle), generalized from
// byte-buffer flushing to FIFO TransferJob queues with an explicit
// open/close transaction boundary so a partially built balancing round
// is never visible mid-build (spec §5).
package transferqueue

import (
	"sync"
	"time"

	"github.com/stratafs/mgm/pkg/errors"
)

// Kind identifies why a TransferJob was created.
type Kind int

const (
	KindBalance Kind = iota
	KindDrain
	KindExternal
)

// TransferJob is the opaque serialized capability pair placed into a
// per-FS queue and consumed asynchronously by FSTs (spec §3).
type TransferJob struct {
	Kind       Kind
	SourceFsid int
	TargetFsid int
	FileID     uint64
	Envelope   string // signed source+target capability pair
	CreatedAt  time.Time
}

// fsQueue is one target FS's FIFO job queue, with an open/close
// transaction boundary for atomic multi-item appends (spec §5).
type fsQueue struct {
	mu      sync.Mutex
	jobs    []TransferJob
	pending []TransferJob // accumulates during an open transaction
	txOpen  bool
}

// Queue holds one fsQueue per target fsid.
type Queue struct {
	mu   sync.Mutex
	fs   map[int]*fsQueue
}

// New returns an empty transfer-job Queue.
func New() *Queue {
	return &Queue{fs: make(map[int]*fsQueue)}
}

func (q *Queue) queueFor(fsid int) *fsQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	fq, ok := q.fs[fsid]
	if !ok {
		fq = &fsQueue{}
		q.fs[fsid] = fq
	}
	return fq
}

// Add appends job to fsid's queue, or to its pending buffer while a
// transaction is open (the balance job adds its jobs inside one).
func (q *Queue) Add(fsid int, job TransferJob) {
	fq := q.queueFor(fsid)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.txOpen {
		fq.pending = append(fq.pending, job)
		return
	}
	fq.jobs = append(fq.jobs, job)
}

// OpenTransaction begins an atomic multi-item append against fsid's
// queue: jobs added via Add are buffered and only become visible to
// Pop once CloseTransaction commits them (spec §5 "the balancer uses
// transactions so a partially built round is not visible").
func (q *Queue) OpenTransaction(fsid int) {
	fq := q.queueFor(fsid)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	fq.txOpen = true
}

// CloseTransaction commits the buffered jobs for fsid, making them
// visible to Pop in the order they were added.
func (q *Queue) CloseTransaction(fsid int) {
	fq := q.queueFor(fsid)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	fq.jobs = append(fq.jobs, fq.pending...)
	fq.pending = nil
	fq.txOpen = false
}

// Pop removes and returns the oldest job queued for fsid (FIFO, per
// spec §3 "per-target queue FIFO").
func (q *Queue) Pop(fsid int) (TransferJob, bool) {
	fq := q.queueFor(fsid)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	if len(fq.jobs) == 0 {
		return TransferJob{}, false
	}
	job := fq.jobs[0]
	fq.jobs = fq.jobs[1:]
	return job, true
}

// Clear empties fsid's queue, discarding both committed and any
// in-flight transactional jobs (used by the balance job's abort path,
// spec §4.4 step 7 "unchanged for > 3600s clear all balance queues").
func (q *Queue) Clear(fsid int) {
	fq := q.queueFor(fsid)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	fq.jobs = nil
	fq.pending = nil
	fq.txOpen = false
}

// Len reports the number of committed jobs queued for fsid.
func (q *Queue) Len(fsid int) int {
	fq := q.queueFor(fsid)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return len(fq.jobs)
}

// ErrNoWork is returned by the schedule handler when no job could be
// built for the polling target (spec §4.7 step 6 "log and return
// 'no work'").
var ErrNoWork = errors.NewError(errors.ErrCodeNotFound, "no work available")
