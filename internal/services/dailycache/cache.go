package dailycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/singleflight"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// Entry is one cached value for one business day.
// Persisted as {"date", "data", "fetched_at"} with fetched_at in unix milliseconds.
type Entry[T any] struct {
	Day       string `json:"date"`
	Payload   T      `json:"data"`
	FetchedAt int64  `json:"fetched_at"`
}

// FetchedTime returns FetchedAt as a time.Time
func (e *Entry[T]) FetchedTime() time.Time {
	return time.UnixMilli(e.FetchedAt)
}

// Fetcher produces a typed payload for the current day
type Fetcher[T any] interface {
	Fetch(ctx context.Context) (T, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc[T any] func(ctx context.Context) (T, error)

func (f FetcherFunc[T]) Fetch(ctx context.Context) (T, error) {
	return f(ctx)
}

// Decoding wraps a raw JSON fetcher. A payload that does not decode into T is
// reported as a parse FetchError, same as any other fetch failure.
func Decoding[T any](source string, f interfaces.Fetcher) Fetcher[T] {
	return FetcherFunc[T](func(ctx context.Context) (T, error) {
		var out T
		raw, err := f.Fetch(ctx)
		if err != nil {
			return out, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, &models.FetchError{Source: source, Kind: models.FetchParse, Err: err}
		}
		return out, nil
	})
}

// Option configures a Cache
type Option func(*options)

type options struct {
	timeout time.Duration
	now     func() time.Time
}

// WithTimeout bounds each upstream fetch
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithClock overrides the clock used for fetched_at
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache holds one value per business day for a single source, persisted under dir.
// Only the most recent entry is kept in memory; older days are read from disk.
type Cache[T any] struct {
	name    string
	dir     string
	fetcher Fetcher[T]
	logger  arbor.ILogger
	opts    options

	mu     sync.RWMutex
	latest *Entry[T]
	group  singleflight.Group
}

// New creates a daily cache for source name storing files in dir
func New[T any](name string, dir string, fetcher Fetcher[T], logger arbor.ILogger, opts ...Option) *Cache[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		name:    name,
		dir:     dir,
		fetcher: fetcher,
		logger:  logger,
		opts:    o,
	}
}

// Name returns the source name
func (c *Cache[T]) Name() string {
	return c.name
}

// Get returns the value for day. When the upstream fails it falls back to the
// most recent entry of any day with isStale=true; with no entry at all the
// fetch error is returned. Concurrent misses for the same day share one fetch.
func (c *Cache[T]) Get(ctx context.Context, day string) (T, bool, error) {
	if entry := c.lookup(day); entry != nil {
		return entry.Payload, false, nil
	}

	ch := c.group.DoChan(day, func() (interface{}, error) {
		// A caller that lost the race may find the entry already stored
		if entry := c.lookup(day); entry != nil {
			return entry, nil
		}
		return c.refresh(ctx, day)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*Entry[T]).Payload, false, nil
		}

		stale, err := c.newest()
		if err != nil {
			c.logger.Warn().Err(err).Str("source", c.name).Msg("Failed to read cached entries for stale fallback")
		}
		if stale == nil {
			return zero, false, res.Err
		}

		c.logger.Warn().
			Err(res.Err).
			Str("source", c.name).
			Str("day", day).
			Str("stale_day", stale.Day).
			Msg("Fetch failed, serving stale cache entry")
		return stale.Payload, true, nil
	}
}

// Resolve implements interfaces.ContentSource
func (c *Cache[T]) Resolve(ctx context.Context, day string) (interface{}, bool, error) {
	payload, stale, err := c.Get(ctx, day)
	if err != nil {
		return nil, false, err
	}
	return payload, stale, nil
}

// Warm loads the newest persisted entry into memory
func (c *Cache[T]) Warm(ctx context.Context) error {
	entry, err := c.newest()
	if err != nil {
		return err
	}
	if entry == nil {
		c.logger.Debug().Str("source", c.name).Msg("No cached entries to warm")
		return nil
	}
	c.remember(entry)
	c.logger.Debug().Str("source", c.name).Str("day", entry.Day).Msg("Daily cache warmed")
	return nil
}

// Purge deletes entries for days before cutoff. The newest entry survives
// regardless of age so stale fallback keeps working.
func (c *Cache[T]) Purge(ctx context.Context, cutoff string) (models.PurgeStats, error) {
	var stats models.PurgeStats

	days, err := c.days()
	if err != nil {
		return stats, err
	}
	if len(days) == 0 {
		return stats, nil
	}

	newest := days[len(days)-1]
	for _, day := range days {
		if day >= cutoff || day == newest {
			continue
		}
		path := c.path(day)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return stats, &models.StorageError{Op: "read", Path: path, Err: err}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return stats, &models.StorageError{Op: "write", Path: path, Err: err}
		}
		stats.Removed++
		stats.FreedBytes += info.Size()
	}

	if stats.Removed > 0 {
		c.logger.Debug().
			Str("source", c.name).
			Str("cutoff", cutoff).
			Int("removed", stats.Removed).
			Msg("Purged daily cache entries")
	}
	return stats, nil
}

// lookup returns the entry for day from memory or disk
func (c *Cache[T]) lookup(day string) *Entry[T] {
	c.mu.RLock()
	latest := c.latest
	c.mu.RUnlock()
	if latest != nil && latest.Day == day {
		return latest
	}

	// Another process may have fetched this day already
	entry, err := c.load(day)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("source", c.name).Str("day", day).Msg("Ignoring unreadable cache entry")
		}
		return nil
	}
	c.remember(entry)
	return entry
}

func (c *Cache[T]) refresh(ctx context.Context, day string) (*Entry[T], error) {
	// The fetch outlives the first caller's cancellation since other callers share it
	fetchCtx := context.WithoutCancel(ctx)
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, c.opts.timeout)
		defer cancel()
	}

	start := c.opts.now()
	payload, err := c.fetcher.Fetch(fetchCtx)
	if err != nil {
		return nil, err
	}

	entry := &Entry[T]{
		Day:       day,
		Payload:   payload,
		FetchedAt: c.opts.now().UnixMilli(),
	}

	if err := common.WriteJSONAtomic(c.path(day), entry); err != nil {
		c.logger.Warn().Err(err).Str("source", c.name).Str("day", day).Msg("Failed to persist cache entry")
	}
	c.remember(entry)

	c.logger.Debug().
		Str("source", c.name).
		Str("day", day).
		Dur("duration", c.opts.now().Sub(start)).
		Msg("Fetched source")
	return entry, nil
}

// remember keeps entry in memory if it is at least as recent as the current one
func (c *Cache[T]) remember(entry *Entry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil || entry.Day >= c.latest.Day {
		c.latest = entry
	}
}

// newest returns the most recent entry in memory or on disk, nil when none
func (c *Cache[T]) newest() (*Entry[T], error) {
	c.mu.RLock()
	latest := c.latest
	c.mu.RUnlock()

	days, err := c.days()
	if err != nil {
		return latest, err
	}
	for i := len(days) - 1; i >= 0; i-- {
		if latest != nil && latest.Day >= days[i] {
			return latest, nil
		}
		entry, err := c.load(days[i])
		if err != nil {
			c.logger.Warn().Err(err).Str("source", c.name).Str("day", days[i]).Msg("Skipping unreadable cache entry")
			continue
		}
		return entry, nil
	}
	return latest, nil
}

func (c *Cache[T]) load(day string) (*Entry[T], error) {
	var entry Entry[T]
	if err := common.ReadJSON(c.path(day), &entry); err != nil {
		return nil, err
	}
	if entry.Day != day {
		return nil, fmt.Errorf("cache file for %s holds day %q", day, entry.Day)
	}
	return &entry, nil
}

// days lists persisted days, oldest first
func (c *Cache[T]) days() ([]string, error) {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &models.StorageError{Op: "read", Path: c.dir, Err: err}
	}

	var days []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		day := strings.TrimSuffix(f.Name(), ".json")
		if _, err := time.Parse(common.DateLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

func (c *Cache[T]) path(day string) string {
	return filepath.Join(c.dir, day+".json")
}
