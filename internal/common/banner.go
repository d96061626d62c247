package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the settings that matter at startup
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Moyuren", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("timezone", config.Timezone.Business).
		Strs("templates", config.TemplateNames()).
		Int("sources", len(config.Sources)).
		Bool("ops_enabled", config.Ops.APIKey != "").
		Msg("Moyuren starting")
}
