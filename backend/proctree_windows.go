//go:build windows

package backend

import (
	"errors"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// killProcessGroup uses taskkill /T to take down the whole tree.
func killProcessGroup(pid int) error {
	cmd := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	setProcessGroup(cmd)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// 128: no such process
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 128 {
			return nil
		}
		return err
	}
	return nil
}
