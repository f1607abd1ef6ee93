package cli

import (
	"context"
	"strings"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/cli/config"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func Run(ctx context.Context, args []string, version string) error {
	var (
		loggerCfg config.Logger
		sentryCfg config.Sentry
		envFiles  []string
		closers   []func()
	)

	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "env-file",
			Usage:       "Load environment variables from dotenv files before reading flags",
			Destination: &envFiles,
		},
	}
	flags = append(flags, loggerCfg.Flags()...)
	flags = append(flags, sentryCfg.Flags()...)

	app := &cli.Command{
		Name:    "convolog",
		Usage:   "Bounded conversation log service",
		Version: version,
		Flags:   flags,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			f, err := loggerCfg.Configure()
			if err != nil {
				return ctx, err
			}
			closers = append(closers, f)

			flush, err := sentryCfg.Configure(version)
			if err != nil {
				return ctx, err
			}
			closers = append(closers, flush)

			logging.Default().Info("Starting convolog",
				"version", version,
				"logger", loggerCfg,
				"sentry", sentryCfg.IsEnabled())
			return logging.With(ctx, logging.Default()), nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			return nil
		},
		Commands: []*cli.Command{
			cmdServe(),
			cmdMigrate(),
			cmdSweep(),
			cmdConversation(),
			cmdUser(),
		},
	}

	// Flag sources read the environment while parsing, so dotenv files have
	// to be loaded before Run.
	if err := loadEnvFiles(args); err != nil {
		logging.Default().Error("failed to load env file", "error", err)
		return err
	}

	if err := app.Run(ctx, args); err != nil {
		logging.Default().Error("failed to run app", "error", err)
		return err
	}

	return nil
}

// loadEnvFiles scans args for --env-file before flag parsing. Variables
// already present in the environment win.
func loadEnvFiles(args []string) error {
	var files []string
	for i := 1; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if arg == "--env-file" && i+1 < len(args) {
			files = append(files, args[i+1])
			i++
			continue
		}
		if path, ok := strings.CutPrefix(arg, "--env-file="); ok {
			files = append(files, path)
		}
	}
	return loadDotenv(files)
}

func loadDotenv(files []string) error {
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return goerr.Wrap(err, "failed to load env file", goerr.V("files", files))
	}
	return nil
}
