//go:build linux

package sandbox

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
)

var isolation struct {
	once sync.Once
	ok   bool
}

// NetworkIsolationSupported reports whether commands can be started in a
// private network namespace. Unprivileged user namespaces may be disabled
// by the kernel or a seccomp profile.
func NetworkIsolationSupported() bool {
	isolation.once.Do(func() {
		cmd := exec.Command("/bin/sh", "-c", "true")
		unshareNetwork(cmd)
		isolation.ok = cmd.Run() == nil
	})
	return isolation.ok
}

func isolate(cmd *exec.Cmd, network bool) error {
	if network {
		return nil
	}
	if !NetworkIsolationSupported() {
		return ErrNoIsolation
	}
	unshareNetwork(cmd)
	return nil
}

// unshareNetwork starts cmd in new user and network namespaces. The caller's
// uid and gid map onto themselves so file permissions are unchanged; the
// new namespace has only a loopback device, which is down.
func unshareNetwork(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	uid, gid := os.Getuid(), os.Getgid()
	attr := cmd.SysProcAttr
	attr.Cloneflags |= syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	attr.GidMappingsEnableSetgroups = false
}
