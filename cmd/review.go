package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/pipeline"
)

// newReviewCmd creates the 'review' subcommand group for inspecting and
// resolving pending entries directly against the store.
func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspects and resolves pending review entries",
	}
	cmd.AddCommand(newReviewListCmd())
	cmd.AddCommand(newReviewResolveCmd("approve", pipeline.ReviewApproved))
	cmd.AddCommand(newReviewResolveCmd("reject", pipeline.ReviewRejected))
	return cmd
}

func newReviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists entries waiting for review",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := app.store.ListPending(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("list pending: %w", err)
			}
			if len(items) == 0 {
				app.logger.Info("review queue is empty")
				return nil
			}
			for _, item := range items {
				app.logger.Info("pending entry",
					zap.String("entry_id", item.EntryID),
					zap.String("source", item.SourceLocator),
					zap.Time("created_at", item.CreatedAt),
					zap.Bool("anomaly", item.AnomalyFlagged),
					zap.Float64("completeness", item.Metrics.Completeness),
					zap.Float64("uniqueness", item.Metrics.Uniqueness),
					zap.Float64("consistency", item.Metrics.Consistency),
				)
			}
			return nil
		},
	}
}

func newReviewResolveCmd(verb string, status pipeline.ReviewStatus) *cobra.Command {
	var reviewer string

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <entry_id>", verb),
		Short: fmt.Sprintf("Marks a pending entry as %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if reviewer == "" {
				return fmt.Errorf("--reviewer is required")
			}
			entryID := args[0]
			if err := app.store.UpdateReviewStatus(cmd.Context(), entryID, status, reviewer); err != nil {
				return fmt.Errorf("%s entry %s: %w", verb, entryID, err)
			}
			app.logger.Info("entry resolved",
				zap.String("entry_id", entryID),
				zap.String("status", string(status)),
				zap.String("reviewer", reviewer),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&reviewer, "reviewer", "", "name recorded as the reviewer")
	return cmd
}
