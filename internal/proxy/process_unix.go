//go:build unix

package proxy

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the tunnel in its own process group so signals aimed at
// the spawning process group do not reach it.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
