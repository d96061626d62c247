package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/danjacques/gofslock/fslock"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// FileLock is a cross-process GenerationLock. Each template maps to
// <dir>/<template>.lock held with an OS exclusive advisory lock, which the
// kernel drops if the holding process dies.
//
// An in-process MemoryLock sits in front of the OS lock so goroutines in the
// same process contend the same way separate processes do.
type FileLock struct {
	dir    string
	local  *MemoryLock
	logger arbor.ILogger
}

// NewFileLock creates a file lock rooted at dir, creating it if needed
func NewFileLock(dir string, logger arbor.ILogger) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{
		dir:    dir,
		local:  NewMemoryLock(),
		logger: logger,
	}, nil
}

// Path returns the lock file for template
func (l *FileLock) Path(template string) string {
	return filepath.Join(l.dir, template+".lock")
}

// TryAcquire never blocks: contention in this or another process returns models.ErrBusy
func (l *FileLock) TryAcquire(template string) (interfaces.Lease, error) {
	local, err := l.local.TryAcquire(template)
	if err != nil {
		return nil, err
	}

	// The holder record goes into the lock file body for diagnostics
	body, err := json.Marshal(local.Record())
	if err != nil {
		_ = local.Release()
		return nil, &models.LockError{Template: template, Op: "acquire", Err: err}
	}
	fl := fslock.L{Path: l.Path(template), Content: body}
	handle, err := fl.Lock()
	if err != nil {
		_ = local.Release()
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, models.ErrBusy
		}
		return nil, &models.LockError{Template: template, Op: "acquire", Err: err}
	}
	// Content is only written when the file is created, and the file outlives
	// earlier holders, so the body is replaced on every acquire
	if err := writeBody(handle.LockFile(), body); err != nil {
		l.logger.Warn().Err(err).Str("template", template).Msg("Failed to write lock holder record")
	}

	l.logger.Debug().
		Str("template", template).
		Str("holder", local.Record().HolderID).
		Msg("Generation lock acquired")

	return &fileLease{lock: l, local: local, handle: handle}, nil
}

type fileLease struct {
	lock   *FileLock
	local  interfaces.Lease
	handle fslock.Handle

	once sync.Once
	err  error
}

func (f *fileLease) Record() models.LockRecord {
	return f.local.Record()
}

func (f *fileLease) Release() error {
	f.once.Do(func() {
		record := f.local.Record()
		if err := f.handle.Unlock(); err != nil {
			f.err = &models.LockError{Template: record.Template, Op: "release", Err: err}
			f.lock.logger.Error().Err(err).Str("template", record.Template).Msg("Failed to release generation lock")
		}
		_ = f.local.Release()

		f.lock.logger.Debug().
			Str("template", record.Template).
			Str("holder", record.HolderID).
			Msg("Generation lock released")
	})
	return f.err
}

func writeBody(f *os.File, body []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt(body, 0)
	return err
}
