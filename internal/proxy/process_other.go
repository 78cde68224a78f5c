//go:build !unix

package proxy

import "os/exec"

func detachProcess(*exec.Cmd) {}
