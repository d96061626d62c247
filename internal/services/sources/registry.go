package sources

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/services/dailycache"
)

// Build creates one daily-cached HTTP source per configured source.
// Caches live under <cache_dir>/<source>/.
func Build(config *common.Config, calendar *common.Calendar, logger arbor.ILogger) []Member {
	members := make([]Member, 0, len(config.Sources))
	for _, cfg := range config.Sources {
		fetcher := NewHTTPFetcher(cfg, logger, WithCalendar(calendar))

		// Mirrors run sequentially inside one fetch, so the cache bound covers all of them
		attempts := len(cfg.URLs)
		if attempts == 0 {
			attempts = 1
		}
		timeout := common.ParseDurationOr(cfg.Timeout, DefaultTimeout) * time.Duration(attempts)

		cache := dailycache.New[json.RawMessage](
			cfg.Name,
			filepath.Join(config.Paths.CacheDir, cfg.Name),
			dailycache.Decoding[json.RawMessage](cfg.Name, fetcher),
			logger,
			dailycache.WithTimeout(timeout),
		)

		members = append(members, Member{Source: cache, Required: cfg.Required})

		logger.Debug().
			Str("source", cfg.Name).
			Int("urls", len(cfg.URLs)).
			Bool("required", cfg.Required).
			Msg("Source registered")
	}
	return members
}
