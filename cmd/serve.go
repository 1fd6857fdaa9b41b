package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/api"
)

// newServeCmd creates the 'serve' subcommand, which exposes the pipeline and
// review queue over HTTP.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API server",
		Long: `Serves the pipeline API: POST /v1/runs triggers a pipeline pass, the
/v1/reviews endpoints drive the human review queue, and /metrics exposes
Prometheus metrics.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			server := api.NewServer(app.orchestrator, app.gate, app.store, app.logger)
			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", app.cfg.Server.Port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				app.logger.Info("http server listening", zap.Int("port", app.cfg.Server.Port))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			// Sweep the review queue in the background so pending items
			// expire even when nobody polls the API.
			go sweepLoop(ctx, app)

			select {
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			case <-ctx.Done():
			}

			app.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		},
	}
}

func sweepLoop(ctx context.Context, app *application) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := app.gate.SweepExpired(ctx); n > 0 {
				app.logger.Info("expired pending reviews", zap.Int("count", n))
			}
		}
	}
}
