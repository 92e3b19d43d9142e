//go:build windows

package hardening

import "os/exec"

func setProcessGroup(_ *exec.Cmd) {}
