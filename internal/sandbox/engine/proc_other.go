//go:build !linux

package engine

import (
	"os"
	"syscall"
	"time"
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

func signalGroup(p *os.Process, force bool) error {
	if p == nil {
		return nil
	}
	if force {
		return p.Kill()
	}
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}

func applyCPULimit(int, time.Duration) error { return nil }

func signalExit(*os.ProcessState) (int, string) { return 0, "" }
