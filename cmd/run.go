package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/pipeline"
)

// newRunCmd creates the 'run' subcommand, which executes one pipeline pass
// over a set of sources and prints the per-source results.
func newRunCmd() *cobra.Command {
	var sourcesPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline once over the configured sources",
		Long: `Fetches every source in the sources file, skips unchanged content,
cleans and scores what remains, and stores the results. Sources that fail
are reported individually without aborting the rest.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			sources, err := loadSources(sourcesPath)
			if err != nil {
				return err
			}

			results := app.orchestrator.Run(cmd.Context(), sources)

			failed := 0
			for _, res := range results {
				fields := []zap.Field{
					zap.String("source", res.Source.Locator),
					zap.String("status", string(res.Status)),
					zap.Int("records", len(res.Records)),
				}
				switch res.Status {
				case pipeline.StatusError:
					failed++
					app.logger.Error("source failed", append(fields, zap.String("error", res.ErrText))...)
				case pipeline.StatusSkipped:
					app.logger.Info("source unchanged", fields...)
				default:
					app.logger.Info("source processed", append(fields,
						zap.Bool("needs_review", res.NeedsReview),
						zap.Float64("completeness", res.Metrics.Completeness),
						zap.Float64("uniqueness", res.Metrics.Uniqueness),
						zap.Float64("consistency", res.Metrics.Consistency),
					)...)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourcesPath, "sources", "sources.json", "path to the JSON sources file")
	return cmd
}

func loadSources(path string) ([]pipeline.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var sources []pipeline.Source
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("sources file %q is empty", path)
	}
	return sources, nil
}
