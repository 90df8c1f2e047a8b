//go:build !windows

package process

import "syscall"

// signalGroup delivers sig to the whole process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
