package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gisquick/tileproxy/internal/domain"
)

// FileLockManager is the LockManager selected by lock type "file": one
// advisory lock file per meta-tile identity under Dir, created with O_EXCL
// so only one process can hold it at a time (spec §5/§6 "lock directory").
// A cache that selects no lock uses SingleflightManager instead, which
// creates no lock file. Callers in the same process are not merged here:
// each one waits for the lock file and then runs its own fn.
// FileLockManager exists for the multi-process case a shared NFS-mounted
// cache directory implies.
type FileLockManager struct {
	Dir        string
	PollEvery  time.Duration
	StaleAfter time.Duration
}

func NewFileLockManager(dir string) *FileLockManager {
	return &FileLockManager{Dir: dir, PollEvery: 50 * time.Millisecond, StaleAfter: 5 * time.Minute}
}

func (m *FileLockManager) lockPath(key string) string {
	return filepath.Join(m.Dir, key+".lck")
}

func (m *FileLockManager) Do(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	path := m.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.NewError(domain.ErrKindBackendUnavailable, "lock.FileLockManager.Do", err)
	}
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return nil, domain.NewError(domain.ErrKindBackendUnavailable, "lock.FileLockManager.Do", err)
		}
		if m.isStale(path) {
			os.Remove(path)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.ErrKindLockTimeout, "lock.FileLockManager.Do", ctx.Err())
		case <-time.After(m.PollEvery):
		}
	}
	defer os.Remove(path)
	return fn()
}

func (m *FileLockManager) isStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > m.StaleAfter
}
