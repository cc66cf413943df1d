//go:build windows

package supervisor

import (
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v4/process"
)

func configureSysProcAttr(cmd *exec.Cmd) {}

// killTree kills the child and its descendants, children first.
func killTree(pid int) {
	if pid <= 0 {
		return
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if children, err := p.Children(); err == nil {
			for _, c := range children {
				killTree(int(c.Pid))
			}
		}
	}
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
