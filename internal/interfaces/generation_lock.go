package interfaces

import (
	"github.com/ternarybob/moyuren/internal/models"
)

// GenerationLock provides non-blocking, per-template mutual exclusion.
// TryAcquire returns models.ErrBusy when another holder owns the template
// and never waits.
type GenerationLock interface {
	TryAcquire(template string) (Lease, error)
}

// Lease is a held generation lock. Release is idempotent.
type Lease interface {
	Record() models.LockRecord
	Release() error
}
