//go:build windows

package board

import (
	"os/exec"
	"syscall"
)

// setHideWindow keeps the helper's console window from flashing up.
func setHideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
