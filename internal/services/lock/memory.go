package lock

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// MemoryLock is an in-process GenerationLock keyed by template name.
// Only valid when a single process serves a state directory.
type MemoryLock struct {
	mu      sync.Mutex
	holders map[string]models.LockRecord
	now     func() time.Time
}

// NewMemoryLock creates an in-process lock
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		holders: make(map[string]models.LockRecord),
		now:     time.Now,
	}
}

// TryAcquire returns models.ErrBusy when template is already held
func (l *MemoryLock) TryAcquire(template string) (interfaces.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holders[template]; held {
		return nil, models.ErrBusy
	}

	record := models.LockRecord{
		Template:   template,
		HolderID:   uuid.New().String(),
		AcquiredAt: l.now(),
	}
	l.holders[template] = record

	return &memoryLease{lock: l, record: record}, nil
}

// Holder returns the current holder of template, if any
func (l *MemoryLock) Holder(template string) (models.LockRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.holders[template]
	return record, ok
}

func (l *MemoryLock) release(record models.LockRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A released lease must not free a later holder's lock
	if current, ok := l.holders[record.Template]; ok && current.HolderID == record.HolderID {
		delete(l.holders, record.Template)
	}
}

type memoryLease struct {
	lock   *MemoryLock
	record models.LockRecord
	once   sync.Once
}

func (m *memoryLease) Record() models.LockRecord {
	return m.record
}

func (m *memoryLease) Release() error {
	m.once.Do(func() {
		m.lock.release(m.record)
	})
	return nil
}
