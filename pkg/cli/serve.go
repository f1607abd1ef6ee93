package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/cli/config"
	httpctrl "github.com/secmon-lab/convolog/pkg/controller/http"
	"github.com/secmon-lab/convolog/pkg/service/worker"
	"github.com/secmon-lab/convolog/pkg/usecase"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/secmon-lab/convolog/pkg/utils/metrics"
	"github.com/secmon-lab/convolog/pkg/utils/safe"
	"github.com/urfave/cli/v3"
)

const metricsNamespace = "convolog"

func cmdServe() *cli.Command {
	var (
		addr          string
		maxBodyBytes  int64
		enableMetrics bool
		enableSweeper bool
		repoCfg       config.Repository
		retentionCfg  config.Retention
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("CONVOLOG_ADDR"),
			Destination: &addr,
		},
		&cli.Int64Flag{
			Name:        "max-body-bytes",
			Usage:       "Maximum request body size",
			Value:       httpctrl.DefaultMaxBodyBytes,
			Sources:     cli.EnvVars("CONVOLOG_MAX_BODY_BYTES"),
			Destination: &maxBodyBytes,
		},
		&cli.BoolFlag{
			Name:        "metrics",
			Usage:       "Expose Prometheus metrics on /metrics",
			Value:       true,
			Sources:     cli.EnvVars("CONVOLOG_METRICS"),
			Destination: &enableMetrics,
		},
		&cli.BoolFlag{
			Name:        "sweeper",
			Usage:       "Run the background corrective eviction sweeper",
			Value:       true,
			Sources:     cli.EnvVars("CONVOLOG_SWEEPER"),
			Destination: &enableSweeper,
		},
	}
	flags = append(flags, repoCfg.Flags()...)
	flags = append(flags, retentionCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the HTTP server",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logging.Default().Info("Serve configuration",
				"addr", addr,
				"repository", repoCfg,
				"retention", retentionCfg,
				"metrics", enableMetrics,
				"sweeper", enableSweeper)

			appCfg, err := retentionCfg.Configure(c)
			if err != nil {
				return err
			}

			repo, err := repoCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize repository")
			}
			defer safe.Close(ctx, repo)

			var m *metrics.Metrics
			if enableMetrics {
				m = metrics.New(metricsNamespace)
			}

			uc := usecase.New(repo, usecase.WithConversationOptions(appCfg.ConversationOptions(m)...))

			var sweeper *worker.Sweeper
			if enableSweeper {
				sweeper = worker.NewSweeper(uc.Conversation, appCfg.SweeperOptions()...)
				if err := sweeper.Start(ctx); err != nil {
					return goerr.Wrap(err, "failed to start sweeper")
				}
			}

			httpOpts := []httpctrl.Options{
				httpctrl.WithMaxBodyBytes(maxBodyBytes),
			}
			if m != nil {
				httpOpts = append(httpOpts, httpctrl.WithMetrics(m))
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           httpctrl.New(uc.Conversation, uc.User, httpOpts...),
				ReadHeaderTimeout: 30 * time.Second,
			}

			// Setup signal handling for graceful shutdown
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			// Start server in goroutine
			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("Starting HTTP server", "addr", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- goerr.Wrap(err, "failed to start server")
				}
			}()

			// Wait for shutdown signal or server error
			select {
			case err := <-errCh:
				if sweeper != nil {
					sweeper.Stop()
				}
				return err
			case sig := <-sigCh:
				logging.Default().Info("Received shutdown signal", "signal", sig)

				// Create shutdown context with timeout
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				// Drain in-flight appends before the sweeper goes away so their
				// failed evictions are still picked up.
				if err := server.Shutdown(shutdownCtx); err != nil {
					if sweeper != nil {
						sweeper.Stop()
					}
					return goerr.Wrap(err, "failed to shutdown server gracefully")
				}

				if sweeper != nil {
					if _, err := sweeper.SweepPending(shutdownCtx); err != nil {
						logging.Default().Warn("Pending evictions left at shutdown", "error", err.Error())
					}
					sweeper.Stop()
				}

				logging.Default().Info("Server shutdown completed")
				return nil
			}
		},
	}
}
