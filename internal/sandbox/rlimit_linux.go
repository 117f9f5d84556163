//go:build linux

package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits sets rlimits on a freshly started child. Limits can only be
// lowered; a request above the current hard limit is clamped to it.
func applyLimits(pid int, l Limits) error {
	var errs []error
	set := func(name string, resource int, soft, hard uint64) {
		if soft == 0 {
			return
		}
		var cur unix.Rlimit
		if err := unix.Prlimit(pid, resource, nil, &cur); err != nil {
			errs = append(errs, fmt.Errorf("reading %s: %w", name, err))
			return
		}
		lim := unix.Rlimit{Cur: min(soft, cur.Max), Max: min(hard, cur.Max)}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("setting %s: %w", name, err))
		}
	}

	// A CPU hard limit one second above the soft one turns SIGXCPU into SIGKILL.
	cpu := uint64(l.CPUSeconds)
	set("RLIMIT_CPU", unix.RLIMIT_CPU, cpu, cpu+1)
	set("RLIMIT_DATA", unix.RLIMIT_DATA, uint64(l.MemoryBytes), uint64(l.MemoryBytes))
	set("RLIMIT_FSIZE", unix.RLIMIT_FSIZE, uint64(l.FileSizeBytes), uint64(l.FileSizeBytes))
	set("RLIMIT_NOFILE", unix.RLIMIT_NOFILE, uint64(l.OpenFiles), uint64(l.OpenFiles))

	return errors.Join(errs...)
}
