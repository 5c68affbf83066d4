package invitebroker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/invitebroker/invitebroker.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// InviteBroker is the bot's runtime: it owns the database, the Discord
// session and webhook server, the operator API and the Allocator shared
// between them.
type InviteBroker struct {
	config *Config

	db        *gorm.DB
	allocator *Allocator

	discord              *Discord
	discordWebhookServer *DiscordWebhookServer
	api                  *API

	supporters      SupporterVerifier
	closeSupporters func() error

	metrics    *metrics
	logger     *slog.Logger
	logHandler slog.Handler

	// getInteractionHandlerFunc returns the InteractionHandler used for an
	// incoming interaction. Webhook interactions wrap the returned handler
	// with a WebhookHandler.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalReady receives a value once the database is initialized, the
	// servers have started and the discord session has been opened
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New creates an InviteBroker from the given config. The database isn't
// opened, and nothing is started, until Run is called.
func New(config *Config) (*InviteBroker, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	ib := &InviteBroker{
		config:      config,
		metrics:     newMetrics(),
		signalReady: make(chan struct{}, 1),
	}

	ib.logHandler = newHandler(ib.config.LogLevel)
	ib.logger = slog.New(ib.logHandler)
	slog.SetDefault(ib.logger)

	supporters, closeSupporters, err := newSupporterVerifier(
		config.Supporter,
		config.HTTPClient,
		ib.logger,
	)
	if err != nil {
		errs = append(errs, err)
	}
	ib.supporters = supporters
	ib.closeSupporters = closeSupporters

	ib.config.Discord.httpClient = ib.config.HTTPClient

	disc, err := newDiscord(ib.config.Discord)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newHandler(ib.config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	disc.logger = slog.New(newHandler(ib.config.Discord.LogLevel)).With(
		loggerNameKey, "discord",
	)
	ib.discord = disc

	ib.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     ib.discord.session,
			interaction: i,
			logger:      ib.discord.logger,
		}
	}

	api, err := newAPI(ib, config.API, config.Development)
	if err != nil {
		errs = append(errs, err)
	}
	ib.api = api

	return ib, errors.Join(errs...)
}

func (ib *InviteBroker) ValidateConfig() error {
	return structValidator.Struct(ib.config)
}

// Allocator returns the InviteBroker's Allocator. It's nil until the
// database has been initialized by Run.
func (ib *InviteBroker) Allocator() *Allocator {
	return ib.allocator
}

// RegisterSlashCommands registers the bot's slash commands with Discord.
func (ib *InviteBroker) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return ib.discord.registerCommands(options...)
}

// Run initializes the database, serves the API (and, if enabled, the
// discord webhook server), and connects to the discord gateway. It blocks
// until ctx is cancelled or a server fails, then shuts down gracefully,
// waiting up to [Config.ShutdownTimeout] for in-flight interactions.
func (ib *InviteBroker) Run(ctx context.Context) error {
	// prevents concurrent runs
	ib.runMu.Lock()
	defer ib.runMu.Unlock()

	logger := ib.logger
	if err := ib.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", ib.config))

	startCtx, startCancel := context.WithTimeout(ctx, ib.config.StartupTimeout)
	defer startCancel()

	if err := ib.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "init complete")

	runtimeWG := &sync.WaitGroup{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			if err := ib.api.Serve(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("error serving api: %w", err)
			}
			return nil
		},
	)

	if ib.discordWebhookServer != nil {
		g.Go(
			func() error {
				if err := ib.discordWebhookServer.Serve(gctx); err != nil && !errors.Is(
					err,
					http.ErrServerClosed,
				) {
					return fmt.Errorf("error serving discord webhook: %w", err)
				}
				return nil
			},
		)
	}

	if err := ib.initDiscordSession(gctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		startCancel()
		_ = ib.shutdown(ctx, runtimeWG)
		_ = g.Wait()
		return err
	}

	if err := ib.discordInit(startCtx); err != nil {
		_ = ib.shutdown(ctx, runtimeWG)
		_ = g.Wait()
		return err
	}

	ib.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	// block until the runtime context is cancelled (generally from an
	// interrupt) or a server fails, then shut down
	g.Go(
		func() error {
			<-gctx.Done()
			return ib.shutdown(ctx, runtimeWG)
		},
	)
	return g.Wait()
}

// initRun initializes the database and registers slash commands
func (ib *InviteBroker) initRun(startCtx context.Context) error {
	ib.logger.Debug("initializing DB...")
	if err := ib.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	ib.logger.Debug("finished initializing DB")

	if ib.config.Discord.WebhookServer.Enabled && ib.discordWebhookServer == nil {
		webhookServer, err := newWebhookServer(
			context.WithoutCancel(startCtx),
			ib,
			ib.config.Discord.WebhookServer,
		)
		if err != nil {
			return err
		}
		ib.discordWebhookServer = webhookServer
	}
	return nil
}

// initDB opens the database, configures the connection pool and migrates
// the schema, then creates the Allocator.
func (ib *InviteBroker) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = ib.logger
	}

	gormLogger := newGORMLogger(
		newHandler(ib.config.DatabaseLogLevel),
		ib.config.DatabaseSlowThreshold,
	)

	var tlsCfg *tls.Config
	if ib.config.DatabaseSSL.Enabled && ib.config.DatabaseType == dbTypePostgres {
		cfg, err := postgresTLSConfig(ib.config.DatabaseSSL.RootCert)
		if err != nil {
			return err
		}
		tlsCfg = cfg
	}

	db, err := getDB(ib.config.DatabaseType, ib.config.Database, gormLogger, tlsCfg)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	ib.db = db

	if err = configurePool(
		ctx,
		db,
		ib.config.DatabaseType,
		ib.config.MaxDBConnections,
	); err != nil {
		return err
	}

	logger.InfoContext(ctx, "migrating database")
	if err = migrateDB(ctx, db); err != nil {
		return err
	}

	ib.allocator = NewAllocator(
		db,
		ib.config.DBAcquireTimeout,
		ib.metrics,
		ib.logger,
	)

	available, err := ib.allocator.RemainingCapacity(ctx)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "database ready", "available_slots", available)
	return nil
}

func (ib *InviteBroker) pingDB(ctx context.Context) error {
	if ib.db == nil {
		return errors.New("database not initialized")
	}
	sqlDB, err := ib.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := dbContext(ctx)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// initDiscordSession creates the discord session (if not already set) and
// adds the gateway event handlers. Interactions and guild events are each
// handled in their own goroutine, tracked by runtimeWG.
func (ib *InviteBroker) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := ib.logger.With(loggerNameKey, "discord_session")

	if ib.discord.session == nil {
		disc, discErr := ib.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		ib.discord.session = disc
	}
	if ib.config.HTTPClient != nil {
		ib.discord.session.SetHTTPClient(ib.config.HTTPClient)
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range ib.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	ib.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: ib.config.Discord.GatewayIntents,
		},
	)

	ib.discord.discordgoRemoveHandlerFuncs = []func(){
		ib.discord.session.AddHandler(ib.discord.handlerConnect()),
		ib.discord.session.AddHandler(ib.discord.handlerDisconnect()),
		ib.discord.session.AddHandler(ib.discord.handlerReady()),
		ib.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				g *discordgo.GuildCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					ib.handleGuildCreate(ctx, g)
				}()
			},
		),
		ib.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := ib.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							ib.handleRecover(ctx, rc)
						}
					}()
					ib.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// discordInit registers slash commands and opens the discord websocket
// connection
func (ib *InviteBroker) discordInit(ctx context.Context) error {
	if _, err := ib.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	ib.logger.InfoContext(ctx, "connecting to discord")
	if err := ib.discord.session.Open(); err != nil {
		ib.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// handleGuildCreate records a GuildSpecification for guilds the bot is
// added to (or that become available on connect)
func (ib *InviteBroker) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g == nil || g.Guild == nil || g.ID == "" || g.Unavailable {
		return
	}
	created, err := ib.allocator.ensureGuildSpecification(ctx, g.ID, g.Name)
	if err != nil {
		ib.logger.ErrorContext(
			ctx,
			"error saving guild specification",
			tint.Err(err),
			slog.Group("guild", "id", g.ID, "name", g.Name),
		)
		return
	}
	if created {
		ib.logger.InfoContext(
			ctx,
			"joined guild",
			slog.Group("guild", "id", g.ID, "name", g.Name),
		)
	}
}

// shutdown stops receiving discord events, waits up to
// [Config.ShutdownTimeout] for in-flight interactions to finish, then
// closes the HTTP servers and the database.
func (ib *InviteBroker) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	ib.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(ib.config.ShutdownTimeout)

	ib.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", ib.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	var errs []error

	if ib.discord.session != nil {
		for _, h := range ib.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		ib.discord.discordgoRemoveHandlerFuncs = nil
		if err := ib.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	runtimeDone := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		runtimeDone <- struct{}{}
	}()

	select {
	case <-runtimeDone:
		ib.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		errs = append(errs, errors.New("in-flight requests did not finish in time"))
	}

	if ib.api != nil {
		if err := ib.api.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
			_ = ib.api.httpServer.Close()
		}
	}
	if ib.discordWebhookServer != nil {
		if err := ib.discordWebhookServer.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down webhook server: %w", err))
			_ = ib.discordWebhookServer.httpServer.Close()
		}
	}

	if ib.closeSupporters != nil {
		if err := ib.closeSupporters(); err != nil {
			errs = append(errs, fmt.Errorf("error closing supporter cache: %w", err))
		}
	}

	if ib.db != nil {
		if sqlDB, err := ib.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", closeErr))
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		ib.logger.ErrorContext(ctx, "shutdown finished with errors", tint.Err(err))
	} else {
		ib.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	}
	return err
}
