//go:build !linux

package sandbox

import "os/exec"

// NetworkIsolationSupported reports whether commands can be started in a
// private network namespace. Only Linux supports it.
func NetworkIsolationSupported() bool { return false }

func isolate(_ *exec.Cmd, network bool) error {
	if network {
		return nil
	}
	return ErrNoIsolation
}
