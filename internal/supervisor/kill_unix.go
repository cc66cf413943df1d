//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// configureSysProcAttr places the child in its own process group so a group
// signal also reaches whatever it spawned (cargo run -> server binary).
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree SIGKILLs the child's process group, then any descendant that left
// the group (setsid, double fork) while it was still reachable.
func killTree(pid int) {
	if pid <= 0 {
		return
	}
	var descendants []int32
	if p, err := process.NewProcess(int32(pid)); err == nil {
		descendants = collectDescendants(p)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	for _, d := range descendants {
		_ = syscall.Kill(int(d), syscall.SIGKILL)
	}
}

func collectDescendants(p *process.Process) []int32 {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int32
	for _, c := range children {
		out = append(out, c.Pid)
		out = append(out, collectDescendants(c)...)
	}
	return out
}
