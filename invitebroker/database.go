package invitebroker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	tableGuildSpecification = "guild_specification"
	tablePrivateBotInstance = "private_bot_instance"

	columnGuildID                    = "guild_id"
	columnAssignedPrivateBotInstance = "assigned_private_bot_instance"
	columnIdentifier                 = "identifier"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	// applied via the DSN so every new pooled connection gets them
	sqliteDSNParams = []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
	}
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update.
//
// Fields:
//   - CreatedAt: The timestamp when the record was created, stored in milliseconds.
//   - UpdatedAt: The timestamp when the record was last updated, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// GuildSpecification is a DB model with one row per Discord guild the bot
// has seen.
//
// Fields:
//   - PK: Surrogate primary key.
//   - GuildID: The Discord guild ID. Unique. Only nil for rows created
//     before the guild was first synced.
//   - GuildName: The guild's display name when it was first seen.
//   - AssignedPrivateBotInstance: Identifier of the [PrivateBotInstance]
//     assigned to this guild. Once set, it's never changed or cleared.
//   - PrivateBotAssignmentLastHeartbeat: Last time the assigned instance
//     reported it was present in the guild.
//   - Initialized: Whether the guild's settings have been initialized.
//
// AssignedPrivateBotInstance is only ever written by [Allocator.Assign].
type GuildSpecification struct {
	PK                                int64               `gorm:"column:pk;primaryKey;autoIncrement" json:"pk"`
	GuildID                           *string             `gorm:"column:guild_id;uniqueIndex" json:"guild_id"`
	GuildName                         *string             `gorm:"column:guild_name" json:"guild_name,omitempty"`
	AssignedPrivateBotInstance        *string             `gorm:"column:assigned_private_bot_instance;index" json:"assigned_private_bot_instance,omitempty"`
	PrivateBotInstance                *PrivateBotInstance `gorm:"foreignKey:AssignedPrivateBotInstance;references:Identifier" json:"private_bot_instance,omitempty"`
	PrivateBotAssignmentLastHeartbeat *time.Time          `gorm:"column:private_bot_assignment_last_heartbeat" json:"private_bot_assignment_last_heartbeat,omitempty"`
	Initialized                       *bool               `gorm:"column:initialized" json:"initialized,omitempty"`
	ModelUnixTime
}

func (GuildSpecification) TableName() string {
	return tableGuildSpecification
}

func (g GuildSpecification) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("pk", g.PK),
		slog.String(columnGuildID, stringPointerValue(g.GuildID)),
		slog.String("guild_name", stringPointerValue(g.GuildName)),
		slog.String(
			columnAssignedPrivateBotInstance,
			stringPointerValue(g.AssignedPrivateBotInstance),
		),
	)
}

// PrivateBotInstance is a DB model with one row for each running private
// bot instance guilds can be assigned to.
//
// Rows are managed by operators (see the `instance` CLI command and the
// API), never by the allocator itself.
type PrivateBotInstance struct {
	Identifier  string `gorm:"column:identifier;primaryKey" json:"identifier" binding:"required,max=255"`
	InviteLink  string `gorm:"column:invite_link;not null" json:"invite_link" binding:"required,url"`
	ServerLimit int    `gorm:"column:server_limit;not null;check:server_limit > 0" json:"server_limit" binding:"required,min=1"`
	ModelUnixTime
}

func (PrivateBotInstance) TableName() string {
	return tablePrivateBotInstance
}

// dbModels are the models migrated by CreateDB and on startup
var dbModels = []any{
	&PrivateBotInstance{},
	&GuildSpecification{},
}

// DatabaseSSLConfig configures TLS for postgres connections.
type DatabaseSSLConfig struct {
	// Enabled requires TLS for the postgres connection, verified against
	// the system roots plus RootCert
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// RootCert is the path to an additional PEM-encoded CA certificate
	RootCert string `yaml:"root_cert" mapstructure:"root_cert" json:"root_cert"`
}

// CreateDB initializes and returns a GORM database connection based on the specified database type.
// It also performs auto-migration for the specified models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//
// Returns:
//   - *gorm.DB: A pointer to the initialized GORM database connection.
//   - error: An error object if any error occurs during the initialization or migration.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger, nil)
	if err != nil {
		return db, err
	}
	if err = configurePool(ctx, db, databaseType, DefaultMaxDBConnections); err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// migrateDB runs AutoMigrate for all models inside a single transaction
func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return fmt.Errorf("error beginning migration: %w", txn.Error)
	}

	if err := txn.Migrator().AutoMigrate(dbModels...); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}

	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing migration: %w", err)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
//   - tlsCfg: If set, and databaseType is postgres, the connection is
//     opened with this TLS config (ignored for SQLite).
func getDB(
	databaseType string,
	database string,
	gormLogger logger.Interface,
	tlsCfg *tls.Config,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(sqliteDSN(database)), gormConfig)
	case dbTypePostgres:
		if tlsCfg == nil {
			return gorm.Open(postgres.Open(database), gormConfig)
		}
		connConfig, err := pgx.ParseConfig(database)
		if err != nil {
			return nil, fmt.Errorf("error parsing postgres connection string: %w", err)
		}
		tlsCfg = tlsCfg.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = connConfig.Host
		}
		connConfig.TLSConfig = tlsCfg
		connConfig.Fallbacks = nil
		return gorm.Open(
			postgres.New(postgres.Config{Conn: stdlib.OpenDB(*connConfig)}),
			gormConfig,
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configurePool sets connection pool limits. SQLite is limited to a
// single connection (with pragmas applied), postgres to maxConns.
func configurePool(
	ctx context.Context,
	db *gorm.DB,
	databaseType string,
	maxConns int,
) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	switch databaseType {
	case dbTypeSQLite:
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		return errors.Join(pragmaErrors...)
	default:
		if maxConns <= 0 {
			maxConns = DefaultMaxDBConnections
		}
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
	}
	return nil
}

// sqliteDSN appends sqliteDSNParams to the given SQLite file path
func sqliteDSN(database string) string {
	if strings.Contains(database, "?") {
		return database
	}
	return database + "?" + strings.Join(sqliteDSNParams, "&")
}

// postgresTLSConfig returns a TLS config verifying against the system
// roots, plus the PEM certificate at rootCert if set.
func postgresTLSConfig(rootCert string) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if rootCert != "" {
		pem, readErr := os.ReadFile(rootCert)
		if readErr != nil {
			return nil, fmt.Errorf("error reading postgres root cert: %w", readErr)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", rootCert)
		}
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// dbContext returns ctx with dbOperationTimeout applied, if ctx doesn't
// already have a deadline
func dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}
