package drain

import (
	"context"
	"strconv"
	"time"

	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/statnotify"
	"github.com/stratafs/mgm/pkg/utils"
)

// job runs the supervised state machine for one draining FS (spec
// §4.3). It holds no lock of its own; all FsView mutation goes through
// FsView's own locked accessors.
type job struct {
	fsid   int
	view   *fsview.FsView
	files  FileSource
	cfg    Config
	notify statnotify.Notifier
	logger *utils.StructuredLogger
	cancel context.CancelFunc
	done   chan struct{}

	// deregister removes this job from the owning Engine's table; see
	// Engine.start for why finishSuccess must call it before mutating
	// ConfigStatus.
	deregister func()
}

// run drives prepare -> wait -> draining -> {drained, drainstalling,
// drainexpired}, re-entering prepare on a bounded number of expired
// attempts, until ctx is canceled or a terminal state is reached.
func (j *job) run(ctx context.Context) {
	retries := 0
	for {
		ok, expired := j.attempt(ctx)
		if ctx.Err() != nil {
			j.cleanupOnCancel()
			return
		}
		if ok {
			j.finishSuccess(ctx)
			return
		}
		if !expired {
			// Cancelled mid-attempt for a reason other than expiry or
			// external cancellation (defensive; attempt() only returns
			// false with expired=true or when ctx is done).
			return
		}
		limit := j.maxRetry()
		if retries >= limit {
			j.view.SetDrainStatus(j.fsid, fsview.DrainExpired)
			j.logger.Warn("drain exhausted retries", map[string]interface{}{"fsid": j.fsid, "retries": retries})
			return
		}
		retries++
		j.logger.Info("drain re-entering prepare after expiry", map[string]interface{}{"fsid": j.fsid, "attempt": retries})
	}
}

func (j *job) maxRetry() int {
	snap, ok := j.view.Snapshot(j.fsid)
	if ok {
		if sp := j.view.Space(snap.SpaceName); sp != nil && sp.Config.DrainMaxRetry > 0 {
			return sp.Config.DrainMaxRetry
		}
	}
	if j.cfg.MaxRetry > 0 {
		return j.cfg.MaxRetry
	}
	return 1
}

func (j *job) drainPeriod() time.Duration {
	snap, ok := j.view.Snapshot(j.fsid)
	if ok {
		if sp := j.view.Space(snap.SpaceName); sp != nil && sp.Config.DrainPeriod > 0 {
			return sp.Config.DrainPeriod
		}
	}
	return 0 // unbounded if unconfigured
}

// attempt runs one prepare->draining cycle. It returns (true, false)
// on success (drained), (false, true) on drainexpired, and (false,
// false) if ctx was canceled.
func (j *job) attempt(ctx context.Context) (success, expired bool) {
	j.view.SetDrainStatus(j.fsid, fsview.DrainPrepare)

	select {
	case <-time.After(j.cfg.ServiceDelay):
	case <-ctx.Done():
		return false, false
	}

	fids := j.files.FilesOnFS(j.fsid)
	if len(fids) == 0 && !j.files.PendingWriters(j.fsid) {
		return true, false
	}

	totalStart := len(fids)
	var bytesLeft uint64
	for _, fid := range fids {
		if size, ok := j.files.FileSize(fid); ok {
			bytesLeft += size
		}
	}
	j.view.UpdateStat(j.fsid, func(s *fsview.Stat) {
		s.DrainFiles = int64(totalStart)
		s.DrainBytesLeft = int64(bytesLeft)
		s.DrainProgress = 0
	})
	j.view.SetDrainStatus(j.fsid, fsview.Draining)

	started := time.Now()
	graceUntil := started.Add(j.cfg.GracePeriod)
	lastProgress := started
	lastRemaining := totalStart
	period := j.drainPeriod()

	ticker := time.NewTicker(j.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, false
		case now := <-ticker.C:
			remaining := len(j.files.FilesOnFS(j.fsid))
			if remaining < lastRemaining {
				lastRemaining = remaining
				lastProgress = now
				if snap, ok := j.view.Snapshot(j.fsid); ok && snap.DrainStatus == fsview.DrainStalling {
					j.view.SetDrainStatus(j.fsid, fsview.Draining)
				}
			}

			var progress float64
			if totalStart > 0 {
				progress = float64(totalStart-remaining) / float64(totalStart) * 100
			}
			var left uint64
			for _, fid := range j.files.FilesOnFS(j.fsid) {
				if size, ok := j.files.FileSize(fid); ok {
					left += size
				}
			}
			j.view.UpdateStat(j.fsid, func(s *fsview.Stat) {
				s.DrainFiles = int64(remaining)
				s.DrainBytesLeft = int64(left)
				s.DrainProgress = progress
			})
			j.notify.Notify(statnotify.EventDrainStep, "", []int{j.fsid}, map[string]string{"remaining": strconv.Itoa(remaining)})

			if remaining == 0 {
				return true, false
			}

			if now.Sub(lastProgress) > j.cfg.StallThreshold {
				j.view.SetDrainStatus(j.fsid, fsview.DrainStalling)
			}

			if period > 0 {
				elapsed := now.Sub(started)
				if now.After(graceUntil) {
					elapsed -= j.cfg.GracePeriod
				} else {
					elapsed = 0
				}
				if elapsed > period {
					return false, true
				}
			}
		}
	}
}

func (j *job) finishSuccess(ctx context.Context) {
	j.view.UpdateStat(j.fsid, func(s *fsview.Stat) {
		s.DrainFiles = 0
		s.DrainBytesLeft = 0
		s.DrainProgress = 100
	})
	j.view.SetDrainStatus(j.fsid, fsview.Drained)
	if ctx.Err() == nil {
		if j.deregister != nil {
			j.deregister()
		}
		j.view.SetConfigStatus(j.fsid, fsview.ConfigEmpty)
	}
}

// cleanupOnCancel resets the exported counters and drain status,
// disabling drain-pull on peers (spec §4.3 destruction contract).
func (j *job) cleanupOnCancel() {
	j.view.UpdateStat(j.fsid, func(s *fsview.Stat) {
		s.DrainFiles = 0
		s.DrainBytesLeft = 0
		s.DrainProgress = 0
	})
	j.view.SetDrainStatus(j.fsid, fsview.DrainNone)
}
