//go:build windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

// detachAttrs starts the worker in a new process group so it is not
// torn down with the daemon's console.
func detachAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateProcess asks a tracked child to shut down. Windows has no
// SIGTERM delivery for detached processes, so this kills outright.
func terminateProcess(p *os.Process) error {
	err := p.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// pidAlive reports whether a process with the given pid exists.
// FindProcess opens a handle on Windows, so an error means the
// process is gone.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

// killPID hard-kills a process known only by pid.
func killPID(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

// signalPID terminates a process known only by pid. A process that no
// longer exists counts as success.
func signalPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	err = p.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
