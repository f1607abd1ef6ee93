package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/m-mizutani/fireconf"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/cli/config"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/repository/firestore"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/secmon-lab/convolog/pkg/utils/safe"
	"github.com/urfave/cli/v3"
)

func cmdMigrate() *cli.Command {
	var (
		repoCfg config.Repository
		dryRun  bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Preview changes without applying",
			Destination: &dryRun,
		},
	}
	flags = append(flags, repoCfg.Flags()...)

	return &cli.Command{
		Name:    "migrate",
		Aliases: []string{"m"},
		Usage:   "Apply the SQL schema or the Firestore indexes",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logging.Default().Info("Migrate configuration",
				"repository", repoCfg,
				"dryRun", dryRun)

			if repoCfg.Backend() == config.BackendFirestore {
				return migrateFirestore(ctx, repoCfg.ProjectID(), repoCfg.DatabaseID(), dryRun)
			}

			repo, err := repoCfg.Open(ctx)
			if err != nil {
				return err
			}
			defer safe.Close(ctx, repo)

			migrator, ok := repo.(interfaces.Migrator)
			if !ok {
				logging.Default().Info("Backend has no schema to migrate", "backend", repoCfg.Backend())
				return nil
			}
			return migrateSQL(ctx, c.Root().Writer, migrator, dryRun)
		},
	}
}

func migrateSQL(ctx context.Context, w io.Writer, migrator interfaces.Migrator, dryRun bool) error {
	if w == nil {
		w = os.Stdout
	}

	if dryRun {
		logging.Default().Info("Dry run mode - printing schema")
		for _, stmt := range migrator.Schema() {
			if _, err := fmt.Fprintf(w, "%s;\n\n", stmt); err != nil {
				return goerr.Wrap(err, "failed to write schema")
			}
		}
		return nil
	}

	logging.Default().Info("Applying schema")
	if err := migrator.Migrate(ctx); err != nil {
		return goerr.Wrap(err, "failed to apply schema")
	}
	logging.Default().Info("Schema applied successfully")
	return nil
}

func migrateFirestore(ctx context.Context, projectID, databaseID string, dryRun bool) error {
	logger := logging.Default()
	if projectID == "" {
		return goerr.Wrap(config.ErrMissingRequired, "firestore-project-id is required",
			goerr.V(config.FlagKey, "firestore-project-id"))
	}

	indexConfig := firestore.IndexConfig()

	client, err := fireconf.NewClient(ctx, projectID, databaseID)
	if err != nil {
		return goerr.Wrap(err, "failed to create fireconf client")
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close fireconf client", "error", err.Error())
		}
	}()

	if !dryRun {
		logger.Info("Applying migrations")
		if err := client.Migrate(ctx, indexConfig); err != nil {
			return goerr.Wrap(err, "failed to apply migrations")
		}
		logger.Info("Migrations applied successfully")
		return nil
	}

	logger.Info("Dry run mode - previewing changes")
	plan, err := client.GetMigrationPlan(ctx, indexConfig)
	if err != nil {
		return goerr.Wrap(err, "failed to create migration plan")
	}

	if len(plan.Steps) == 0 {
		logger.Info("No changes required")
		return nil
	}

	warn := color.New(color.FgYellow, color.Bold)
	for _, step := range plan.Steps {
		logger.Info("Migration step",
			"collection", step.Collection,
			"operation", step.Operation,
			"description", step.Description,
			"destructive", step.Destructive)
		if step.Destructive {
			_, _ = warn.Fprintf(os.Stderr, "destructive: %s %s\n", step.Collection, step.Description)
		}
	}
	return nil
}
