package core

import (
	"golang.org/x/sys/unix"

	"github.com/binderd/binderd/internal/logging"
)

// niceBias shifts a POSIX nice value (-20..19) into the unsigned 0..39
// range the rest of this package's priority fields use, so a lower
// DefaultPriority/NiceFloor always means "more favorable" without ever
// going negative.
const niceBias = 20

// hostNiceFloor reads the calling OS process's current nice value via
// getpriority(2) and returns it in the package's biased uint8 scale. It
// seeds Process.NiceFloor at open() time (spec §4.4): a process can never
// have priority inheritance adopt a value more favorable than the host
// process it's actually running under is allowed to run at.
//
// getpriority returns (20 - nice) rather than nice itself to keep the
// success path's return value disjoint from its -1 error sentinel; this
// undoes that translation before applying niceBias.
func hostNiceFloor(log *logging.Logger) uint8 {
	log = log.WithCategory("priority")
	raw, err := unix.Getpriority(unix.PRIO_PROCESS, 0)
	if err != nil {
		log.Warnf("getpriority: %v, defaulting NiceFloor to %d", err, niceBias)
		return niceBias
	}
	nice := 20 - raw
	floor := nice + niceBias
	if floor < 0 {
		return 0
	}
	if floor > 255 {
		return 255
	}
	return uint8(floor)
}

// setThreadPriority pushes a priority-inheritance adoption down to the
// real OS thread identified by tid via setpriority(2), best-effort: a
// userspace host has no capability to raise another thread's priority
// without CAP_SYS_NICE, so failures here are logged and otherwise
// ignored, matching the rest of this package's node-work delivery, which
// is likewise never allowed to block or fail a transaction outcome.
func setThreadPriority(tid uint64, prio uint8, log *logging.Logger) {
	nice := int(prio) - niceBias
	if err := unix.Setpriority(unix.PRIO_PROCESS, int(tid), nice); err != nil {
		log.WithCategory("priority").Debugf("setpriority(tid=%d, nice=%d): %v", tid, nice, err)
	}
}

// ApplyPriority clamps proposed against p's NiceFloor (spec §4.4: "saved
// priority is clamped by the host's per-process nice rlimit") and returns
// the adopted value.
func (p *Process) ApplyPriority(proposed uint8) uint8 {
	if proposed < p.NiceFloor {
		return p.NiceFloor
	}
	return proposed
}
