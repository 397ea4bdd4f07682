//go:build unix || linux || darwin

package main

import (
	"os"
	"os/exec"
	"syscall"
)

// configureDaemonProcess detaches the spawned daemon into its own session
// so terminal hangups don't reach it.
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func sendStopSignal(process *os.Process) error {
	return process.Signal(syscall.SIGTERM)
}
