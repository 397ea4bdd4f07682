//go:build windows

package main

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// configureDaemonProcess puts the spawned daemon in its own process group
// and hides the console window.
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// sendStopSignal delivers CTRL_BREAK_EVENT to the daemon's process group.
// SIGTERM is not supported on Windows; the break event arrives as
// os.Interrupt in the daemon's signal handler for a clean shutdown.
func sendStopSignal(process *os.Process) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(process.Pid))
}
