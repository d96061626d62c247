package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/moyuren/internal/app"
	"github.com/ternarybob/moyuren/internal/models"
)

var (
	generateTemplate string
	generateDate     string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate images once and exit",
	Long:  `Collects today's content (or --date) and renders every template, or only --template. Respects the generation lock, so it is safe to run next to a server; run history is skipped while the server holds the database.`,
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&generateTemplate, "template", "t", "", "Template to generate (default: all)")
	generateCmd.Flags().StringVarP(&generateDate, "date", "d", "", "Business day YYYY-MM-DD (default: today)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	application, err := app.New(config, logger, app.RunHistoryOptional())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Close()

	ctx := context.Background()
	for _, source := range application.Aggregator.Sources() {
		if err := source.Warm(ctx); err != nil {
			logger.Warn().Err(err).Str("source", source.Name()).Msg("Failed to warm source cache")
		}
	}

	date := generateDate
	if date == "" {
		date = application.Calendar.Today()
	} else if _, err := application.Calendar.ParseDay(date); err != nil {
		return err
	}

	templates := config.TemplateNames()
	if generateTemplate != "" {
		templates = []string{generateTemplate}
	}

	var failed int
	for _, template := range templates {
		artifact, err := application.Generator.Generate(ctx, template, date, models.TriggerCLI)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v [%s]\n", template, err, models.CodeOf(err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", template, application.Store.ImagePath(artifact), artifact.Digest[:12])
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d templates failed", failed, len(templates))
	}
	return nil
}
