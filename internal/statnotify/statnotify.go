// Package statnotify declares the narrow interaction point through
// which the drain and balance jobs report per-decision
// statistics to the peripheral stats/WFE subsystem (spec §1: "stats
// and WFE are peripheral, not specified beyond their interaction
// points"). The subsystem itself is out of scope; this package exists
// so callers have a stable interface to depend on and a no-op
// implementation to default to.
package statnotify

import "github.com/stratafs/mgm/internal/fsview"

// Event identifies which decision point produced a notification.
type Event string

const (
	EventPlacement Event = "placement"
	EventAccess    Event = "access"
	EventDrainStep Event = "drain"
	EventBalance   Event = "balance"
)

// Notifier receives a best-effort notification after each scheduling
// decision. Implementations must not block the caller; a slow or
// unavailable stats backend must never stall placement, access, drain,
// or balance.
type Notifier interface {
	Notify(ev Event, space string, fsids []int, meta map[string]string)
}

// Discard is the default Notifier: it drops every notification. Used
// wherever a caller is not configured with a real stats backend.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Event, string, []int, map[string]string) {}

// NotifyFs sends ev to n for fs, taking the space name and fsid from a
// snapshot of fs; a convenience for callers that only have a
// *fsview.FileSystem at hand rather than already-resolved ids.
func NotifyFs(n Notifier, ev Event, fs *fsview.FileSystem, meta map[string]string) {
	if n == nil {
		return
	}
	snap := fs.Snapshot()
	n.Notify(ev, snap.SpaceName, []int{snap.ID}, meta)
}
