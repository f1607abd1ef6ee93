package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/repository/firestore"
	"github.com/secmon-lab/convolog/pkg/repository/memory"
	"github.com/secmon-lab/convolog/pkg/repository/postgres"
	"github.com/secmon-lab/convolog/pkg/repository/sqldb"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Repository backends
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendMySQL     = "mysql"
	BackendFirestore = "firestore"
)

// Repository holds CLI flags for repository backend configuration
type Repository struct {
	backend     string
	autoMigrate bool

	sqlitePath string

	postgresURL      string
	postgresMaxConns int64

	mysqlDSN string

	projectID        string
	databaseID       string
	collectionPrefix string
}

// Flags returns CLI flags for repository configuration
func (r *Repository) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repository-backend",
			Usage:       "Repository backend type (memory, sqlite, postgres, mysql, firestore)",
			Value:       BackendMemory,
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_REPOSITORY_BACKEND"),
			Destination: &r.backend,
		},
		&cli.BoolFlag{
			Name:        "auto-migrate",
			Usage:       "Apply the SQL schema on startup",
			Value:       true,
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_AUTO_MIGRATE"),
			Destination: &r.autoMigrate,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file (empty for in-memory)",
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_SQLITE_PATH"),
			Destination: &r.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "postgres-url",
			Usage:       "PostgreSQL connection URL (required when using postgres backend)",
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_POSTGRES_URL"),
			Destination: &r.postgresURL,
		},
		&cli.Int64Flag{
			Name:        "postgres-max-conns",
			Usage:       "Maximum PostgreSQL pool connections (0 keeps the driver default)",
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_POSTGRES_MAX_CONNS"),
			Destination: &r.postgresMaxConns,
		},
		&cli.StringFlag{
			Name:        "mysql-dsn",
			Usage:       "MySQL DSN (required when using mysql backend)",
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_MYSQL_DSN"),
			Destination: &r.mysqlDSN,
		},
		&cli.StringFlag{
			Name:        "firestore-project-id",
			Usage:       "Firestore Project ID (required when using firestore backend)",
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_FIRESTORE_PROJECT_ID"),
			Destination: &r.projectID,
		},
		&cli.StringFlag{
			Name:        "firestore-database-id",
			Usage:       "Firestore Database ID",
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_FIRESTORE_DATABASE_ID"),
			Destination: &r.databaseID,
		},
		&cli.StringFlag{
			Name:        "firestore-collection-prefix",
			Usage:       "Prefix for Firestore collection names",
			Category:    "Repository",
			Sources:     cli.EnvVars("CONVOLOG_FIRESTORE_COLLECTION_PREFIX"),
			Destination: &r.collectionPrefix,
		},
	}
}

// Backend returns the configured backend type
func (r *Repository) Backend() string {
	return r.backend
}

// ProjectID returns the Firestore project ID
func (r *Repository) ProjectID() string {
	return r.projectID
}

// DatabaseID returns the Firestore database ID
func (r *Repository) DatabaseID() string {
	return r.databaseID
}

// LogValue omits connection strings, which may carry credentials
func (r Repository) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("backend", r.backend)}
	switch r.backend {
	case BackendSQLite:
		attrs = append(attrs, slog.String("path", r.sqlitePath))
	case BackendFirestore:
		attrs = append(attrs,
			slog.String("project_id", r.projectID),
			slog.String("database_id", r.databaseID),
			slog.String("collection_prefix", r.collectionPrefix),
		)
	}
	return slog.GroupValue(attrs...)
}

// Open connects to the configured backend without touching its schema.
// The caller is responsible for calling Close() on the returned repository.
func (r *Repository) Open(ctx context.Context) (interfaces.Repository, error) {
	logger := logging.From(ctx)

	switch r.backend {
	case BackendMemory:
		logger.Info("Using in-memory repository (development mode)")
		return memory.New(), nil

	case BackendSQLite:
		repo, err := sqldb.OpenSQLite(ctx, r.sqlitePath)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize sqlite repository")
		}
		logger.Info("Using SQLite repository", "path", r.sqlitePath)
		return repo, nil

	case BackendPostgres:
		if r.postgresURL == "" {
			return nil, goerr.Wrap(ErrMissingRequired, "postgres-url is required when using postgres backend",
				goerr.V(FlagKey, "postgres-url"))
		}
		var opts []postgres.Option
		if r.postgresMaxConns > 0 {
			opts = append(opts, postgres.WithMaxConns(int32(r.postgresMaxConns))) // #nosec G115
		}
		repo, err := postgres.New(ctx, r.postgresURL, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize postgres repository")
		}
		logger.Info("Using PostgreSQL repository")
		return repo, nil

	case BackendMySQL:
		if r.mysqlDSN == "" {
			return nil, goerr.Wrap(ErrMissingRequired, "mysql-dsn is required when using mysql backend",
				goerr.V(FlagKey, "mysql-dsn"))
		}
		repo, err := sqldb.OpenMySQL(ctx, r.mysqlDSN)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize mysql repository")
		}
		logger.Info("Using MySQL repository")
		return repo, nil

	case BackendFirestore:
		if r.projectID == "" {
			return nil, goerr.Wrap(ErrMissingRequired, "firestore-project-id is required when using firestore backend",
				goerr.V(FlagKey, "firestore-project-id"))
		}
		var opts []firestore.Option
		if r.collectionPrefix != "" {
			opts = append(opts, firestore.WithCollectionPrefix(r.collectionPrefix))
		}
		repo, err := firestore.New(ctx, r.projectID, r.databaseID, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize firestore repository")
		}
		logger.Info("Using Firestore repository",
			"project_id", r.projectID,
			"database_id", r.databaseID,
		)
		return repo, nil

	default:
		return nil, goerr.Wrap(ErrUnknownBackend, "invalid repository backend", goerr.V(BackendKey, r.backend))
	}
}

// Configure opens the repository and, for backends that own a schema,
// applies it when auto-migrate is enabled.
func (r *Repository) Configure(ctx context.Context) (interfaces.Repository, error) {
	repo, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}

	if m, ok := repo.(interfaces.Migrator); ok && r.autoMigrate {
		if err := m.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, goerr.Wrap(err, "failed to migrate repository schema", goerr.V(BackendKey, r.backend))
		}
		logging.From(ctx).Info("Repository schema is up to date", "backend", r.backend)
	}

	return repo, nil
}
