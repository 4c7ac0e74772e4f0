package balance

import (
	"context"
	"strconv"
	"time"

	"github.com/stratafs/mgm/internal/capability"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/statnotify"
	"github.com/stratafs/mgm/internal/transferqueue"
	"github.com/stratafs/mgm/pkg/errors"
)

var errNoSnapshot = errors.NewError(errors.ErrCodeNotFound, "balance: fsid vanished mid-round")

// groupJob drives the balancing rounds of spec §4.4 for one scheduling
// group.
type groupJob struct {
	e          *Engine
	space      string
	groupIndex int
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func newGroupJob(e *Engine, space string, groupIndex int) *groupJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &groupJob{e: e, space: space, groupIndex: groupIndex, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (j *groupJob) stop() {
	j.cancel()
	<-j.done
}

func (j *groupJob) run() {
	defer close(j.done)
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-time.After(j.e.jitter()):
		}
		j.round()
		select {
		case <-j.ctx.Done():
			return
		case <-time.After(j.e.cfg.Cooldown):
		}
	}
}

type sourceCandidate struct {
	fsid    int
	surplus int64
	fids    []uint64
}

type targetCandidate struct {
	fsid     int
	capacity int64
}

// round executes one full balancing pass over the group (spec §4.4
// steps 2-7).
func (j *groupJob) round() {
	if !j.e.admitted() {
		j.e.logger.Warn("balance admission blocked by promotion barrier", map[string]interface{}{"space": j.space, "group": j.groupIndex})
		return
	}

	g := j.e.view.Group(j.space, j.groupIndex)
	if g == nil {
		return
	}

	j.e.view.RLock()
	members := make([]fsview.Snapshot, 0, len(g.FileSystems))
	for _, fs := range g.FileSystems {
		members = append(members, fs.Snapshot())
	}
	avg := g.AverageUsedBytes()
	j.e.view.RUnlock()

	var sources []sourceCandidate
	var targets []targetCandidate
	for _, m := range members {
		if m.BootStatus != fsview.BootBooted || !m.ConfigStatus.AtLeast(fsview.ConfigRO) {
			continue
		}
		if m.Stat.UsedBytes > avg {
			sources = append(sources, sourceCandidate{fsid: m.ID, surplus: m.Stat.UsedBytes - avg})
		} else {
			targets = append(targets, targetCandidate{fsid: m.ID, capacity: avg - m.Stat.UsedBytes})
		}
	}
	if len(sources) == 0 || len(targets) == 0 {
		return
	}

	capFids := 5000 / len(members)
	if capFids < 1 {
		capFids = 1
	}

	globalSeen := make(map[uint64]bool)
	for i := range sources {
		src := &sources[i]
		fids := j.e.files.FilesOnFS(src.fsid)
		perm := j.e.rndPerm(len(fids))
		remaining := src.surplus
		for _, idx := range perm {
			if len(src.fids) >= capFids {
				break
			}
			fid := fids[idx]
			if globalSeen[fid] || j.e.recent.Contains(fid) {
				continue
			}
			size, ok := j.e.files.FileSize(fid)
			if !ok || int64(size) > remaining {
				continue
			}
			src.fids = append(src.fids, fid)
			globalSeen[fid] = true
			remaining -= int64(size)
		}
	}

	j.e.criticalMu.Lock()
	built := j.matchAndBuild(sources, targets)
	j.e.criticalMu.Unlock()

	if built == 0 {
		return
	}

	j.setBalancing(true, false)
	targetIDs := make([]int, len(targets))
	for i, t := range targets {
		targetIDs[i] = t.fsid
	}
	j.e.notify.Notify(statnotify.EventBalance, j.space, targetIDs, nil)
	j.monitor(targetIDs)
	j.setBalancing(false, false)
}

// matchAndBuild round-robin matches source candidates to target
// candidates, builds signed TransferJobs, and commits them inside an
// open transaction per target (spec §4.4 steps 5-6). Returns the
// number of jobs built.
func (j *groupJob) matchAndBuild(sources []sourceCandidate, targets []targetCandidate) int {
	for _, t := range targets {
		j.e.queue.OpenTransaction(t.fsid)
	}
	defer func() {
		for _, t := range targets {
			j.e.queue.CloseTransaction(t.fsid)
		}
	}()

	scheduledThisRound := make(map[int]map[uint64]bool, len(targets))
	for _, t := range targets {
		scheduledThisRound[t.fsid] = make(map[uint64]bool)
	}

	built := 0
	ti := 0
	for si := range sources {
		src := &sources[si]
		for _, fid := range src.fids {
			if built >= j.e.cfg.MaxJobsPerRound {
				return built
			}
			for attempt := 0; attempt < len(targets); attempt++ {
				t := &targets[ti%len(targets)]
				ti++
				if t.fsid == src.fsid {
					continue
				}
				size, ok := j.e.files.FileSize(fid)
				if !ok || int64(size) > t.capacity {
					continue
				}
				if j.e.files.HasReplica(fid, t.fsid) {
					continue
				}
				if scheduledThisRound[t.fsid][fid] {
					continue
				}
				job, err := j.buildJob(src.fsid, t.fsid, fid)
				if err != nil {
					continue
				}
				j.e.queue.Add(t.fsid, job)
				scheduledThisRound[t.fsid][fid] = true
				t.capacity -= int64(size)
				j.e.recent.MarkScheduled(fid)
				built++
				break
			}
		}
	}
	return built
}

func (j *groupJob) buildJob(sourceFsid, targetFsid int, fid uint64) (transferqueue.TransferJob, error) {
	sourceSnap, ok := j.e.view.Snapshot(sourceFsid)
	if !ok {
		return transferqueue.TransferJob{}, errNoSnapshot
	}
	targetSnap, ok := j.e.view.Snapshot(targetFsid)
	if !ok {
		return transferqueue.TransferJob{}, errNoSnapshot
	}

	env, err := j.e.caps.SignTransfer(capability.TransferFields{
		Source:    capability.Fields{Access: capability.AccessRead, FileID: fid, TargetHost: sourceSnap.Host, TargetPort: sourceSnap.Port, LocalPrefix: sourceSnap.Path},
		Target:    capability.Fields{Access: capability.AccessWrite, FileID: fid, TargetHost: targetSnap.Host, TargetPort: targetSnap.Port, LocalPrefix: targetSnap.Path},
		FileIDHex: strconv.FormatUint(fid, 16),
	})
	if err != nil {
		return transferqueue.TransferJob{}, err
	}

	return transferqueue.TransferJob{
		Kind:       transferqueue.KindBalance,
		SourceFsid: sourceFsid,
		TargetFsid: targetFsid,
		FileID:     fid,
		Envelope:   env,
		CreatedAt:  time.Now(),
	}, nil
}

// monitor implements step 7: poll every PollInterval, detect stall
// (>300s unchanged) and abort (>3600s unchanged), ending the round once
// every target's queue has drained.
func (j *groupJob) monitor(targetIDs []int) {
	last := j.sumQueued(targetIDs)
	lastChange := time.Now()
	ticker := time.NewTicker(j.e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case now := <-ticker.C:
			cur := j.sumQueued(targetIDs)
			if cur != last {
				last = cur
				lastChange = now
			}
			if cur == 0 {
				return
			}
			switch {
			case now.Sub(lastChange) > j.e.cfg.AbortThreshold:
				for _, id := range targetIDs {
					j.e.queue.Clear(id)
				}
				j.setBalancing(false, true)
				return
			case now.Sub(lastChange) > j.e.cfg.StallThreshold:
				j.setBalancing(true, true)
			}
		}
	}
}

func (j *groupJob) sumQueued(targetIDs []int) int {
	total := 0
	for _, id := range targetIDs {
		total += j.e.queue.Len(id)
	}
	return total
}

func (j *groupJob) setBalancing(balancing, stalled bool) {
	g := j.e.view.Group(j.space, j.groupIndex)
	if g == nil {
		return
	}
	j.e.view.Lock()
	g.Balancing = balancing
	g.Stalled = stalled
	j.e.view.Unlock()
}

func (e *Engine) rndPerm(n int) []int {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	return e.rnd.Perm(n)
}
