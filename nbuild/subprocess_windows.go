//go:build windows

package nbuild

import "os/exec"

func setProcessGroup(c *exec.Cmd) {}
