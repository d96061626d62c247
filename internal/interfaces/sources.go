// -----------------------------------------------------------------------
// Last Modified: Monday, 12th October 2026 4:31:02 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/moyuren/internal/models"
)

// Fetcher retrieves one upstream payload. Implementations must honour the
// context deadline and return *models.FetchError on failure.
type Fetcher interface {
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context) (json.RawMessage, error)

func (f FetcherFunc) Fetch(ctx context.Context) (json.RawMessage, error) {
	return f(ctx)
}

// ContentSource is a named, day-cached source consumed by the aggregator
type ContentSource interface {
	// Name returns the source name, also the key in the content bundle
	Name() string

	// Resolve returns the payload for day, whether it is stale, or an error
	// when no data exists at all
	Resolve(ctx context.Context, day string) (interface{}, bool, error)

	// Warm loads the most recent persisted entry into memory
	Warm(ctx context.Context) error

	// Purge removes entries older than cutoff, keeping the newest entry
	Purge(ctx context.Context, cutoff string) (models.PurgeStats, error)
}
