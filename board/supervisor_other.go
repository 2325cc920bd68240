//go:build !windows

package board

import "os/exec"

// setHideWindow is a no-op on platforms without a hidden-window flag.
func setHideWindow(cmd *exec.Cmd) {}
