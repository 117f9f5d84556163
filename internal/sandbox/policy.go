package sandbox

import (
	"os"
	"time"
)

// Policy holds host-side settings shared by every execution in a sandbox.
type Policy struct {
	KillGrace   time.Duration // SIGTERM to SIGKILL escalation delay
	ScratchRoot string        // parent of per-run working directories ("" = os.TempDir)
	PathEnv     string        // PATH handed to the child
	ExtraEnv    []string      // additional KEY=VALUE pairs
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return Policy{
		KillGrace: 200 * time.Millisecond,
		PathEnv:   path,
	}
}

// env builds the child's environment. Nothing from the host leaks through
// except PATH.
func (p Policy) env(workdir string) []string {
	env := []string{
		"PATH=" + p.PathEnv,
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=C.UTF-8",
	}
	return append(env, p.ExtraEnv...)
}
