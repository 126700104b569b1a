package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// LockHeldError is returned when another daemon already owns the profile.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	if e.Holder.Owner != "" {
		return fmt.Sprintf("profile lock held by %s (PID %d, %s)", e.Holder.Owner, e.Holder.PID, e.Path)
	}
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.Holder.PID, e.Path)
}

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Owner   string
	Started time.Time
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on dir/LOCK and records the owner.
// Returns *LockHeldError if another process already holds it.
func Acquire(dir, owner string) (*Lock, error) {
	lockPath := filepath.Join(dir, fileName)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder, _ := ReadHolder(dir)
		_ = f.Close()
		return nil, &LockHeldError{Holder: holder, Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\nowner=%s\ntime=%s\n", os.Getpid(), owner, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadHolder parses the lock file in dir without taking the lock.
func ReadHolder(dir string) (Holder, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return Holder{}, err
	}
	return parseHolder(string(data)), nil
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "owner":
			h.Owner = value
		case "time":
			h.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h
}
