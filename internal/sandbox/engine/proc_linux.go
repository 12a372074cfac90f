//go:build linux

package engine

import (
	"errors"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// signalGroup delivers a graceful or forceful signal to the whole process group.
func signalGroup(p *os.Process, force bool) error {
	if p == nil || p.Pid <= 0 {
		return nil
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func applyCPULimit(pid int, limit time.Duration) error {
	if limit <= 0 || pid <= 0 {
		return nil
	}
	secs := uint64(limit.Round(time.Second) / time.Second)
	if secs == 0 {
		secs = 1
	}
	// The hard limit sits one second above so SIGXCPU arrives before SIGKILL.
	rl := unix.Rlimit{Cur: secs, Max: secs + 1}
	return unix.Prlimit(pid, unix.RLIMIT_CPU, &rl, nil)
}

// signalExit reports 128+signo and a description when the process was killed
// by a signal.
func signalExit(state *os.ProcessState) (int, string) {
	if state == nil {
		return 0, ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, ""
	}
	sig := ws.Signal()
	return 128 + int(sig), "Process terminated by signal: " + unix.SignalName(sig) + " (" + sig.String() + ")"
}
