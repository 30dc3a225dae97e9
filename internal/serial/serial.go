// Package serial implements a UUCP-style advisory lockfile for a
// simulated serial device, so two simulator instances (or a simulator
// and a real getty) don't bind the same device concurrently.
package serial

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on a device path. Dropping it (Release)
// removes the lockfile.
type Lock struct {
	path     string
	released bool
}

// Acquire creates a UUCP-style lockfile at <lockDir>/LCK..<basename of
// devicePath>, containing the caller's PID. If a stale lockfile is
// found (recorded PID no longer alive), it is removed and acquisition
// retried once.
func Acquire(lockDir, devicePath string) (*Lock, error) {
	name := "LCK.." + basename(devicePath)
	path := lockDir + "/" + name

	lock, err := tryCreate(path)
	if err == nil {
		return lock, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("serial: create lockfile %s: %w", path, err)
	}

	pid, perr := readLockPID(path)
	if perr == nil && !pidAlive(pid) {
		os.Remove(path)
		lock, err = tryCreate(path)
		if err == nil {
			return lock, nil
		}
	}
	return nil, fmt.Errorf("serial: device %s is locked (pid %d)", devicePath, pid)
}

func tryCreate(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%10d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path}, nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// pidAlive reports whether pid is alive, using signal 0 which performs
// permission/existence checks without actually sending a signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}

// Release removes the lockfile. Safe to call more than once.
func (l *Lock) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	return os.Remove(l.path)
}

func basename(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
