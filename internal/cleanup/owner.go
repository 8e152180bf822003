package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Liveness tells Reconcile which markers belong to a process that still runs.
type Liveness interface {
	// Self is the owner id stamped on markers this process records.
	Self() string
	// Alive reports whether the process that stamped owner still runs.
	Alive(owner string) (bool, error)
}

// OwnerLock is an exclusive flock on a per-process file under the state
// directory. It is held for the life of the process; the kernel drops it when
// the process dies, however it dies.
type OwnerLock struct {
	dir string
	id  string
	f   *os.File
}

// AcquireOwner creates and locks this process's owner file under stateDir.
func AcquireOwner(stateDir string) (*OwnerLock, error) {
	dir := filepath.Join(stateDir, "owners")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create owners dir: %w", err)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	id := fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
	path := filepath.Join(dir, id+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create owner lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("acquire owner lock: %w", err)
	}
	return &OwnerLock{dir: dir, id: id, f: f}, nil
}

// Self returns the owner id.
func (o *OwnerLock) Self() string {
	return o.id
}

// Alive reports whether owner still holds its lock. A lock file nobody holds
// belongs to a process that exited without cleaning up; it is deleted.
// Markers without an owner predate ownership and are never alive.
func (o *OwnerLock) Alive(owner string) (bool, error) {
	if owner == "" || strings.ContainsAny(owner, `/\`) || owner == "." || owner == ".." {
		return false, nil
	}
	if owner == o.id {
		return true, nil
	}

	path := filepath.Join(o.dir, owner+".lock")
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open owner lock %s: %w", owner, err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("test owner lock %s: %w", owner, err)
	}
	os.Remove(path)
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}

// Release drops the lock and deletes the owner file.
func (o *OwnerLock) Release() error {
	if o.f == nil {
		return nil
	}
	path := o.f.Name()
	unix.Flock(int(o.f.Fd()), unix.LOCK_UN)
	err := o.f.Close()
	o.f = nil
	os.Remove(path)
	return err
}
