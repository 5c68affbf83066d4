package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/invitebroker/invitebroker"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = invitebroker.DefaultConfig()
	configFile string
)

// stringSliceKeys are split on whitespace when set from the environment
var stringSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "invitebroker [flags]",
	Short: "Assigns Discord guilds to private bot instances",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes the current viper settings into c
func loadConfig(c *invitebroker.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
		// replace default slices rather than decoding over them
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (ex: "INFO", "warn") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		_ = godotenv.Load()
	} else if err := godotenv.Load(configFile); err != nil {
		log.Fatalf("error loading env file %s: %v", configFile, err)
	}

	viper.SetDefault("database", invitebroker.DefaultDatabase)
	viper.SetDefault("database_type", invitebroker.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		invitebroker.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		invitebroker.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("max_db_connections", invitebroker.DefaultMaxDBConnections)
	viper.SetDefault("db_acquire_timeout", invitebroker.DefaultAcquireTimeout)
	viper.SetDefault("database_ssl.enabled", false)
	viper.SetDefault("database_ssl.root_cert", "")
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", invitebroker.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", invitebroker.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", invitebroker.DefaultShutdownTimeout)

	// Invite links and supporter verification
	viper.SetDefault("public_invite.enabled", invitebroker.DefaultPublicInviteEnabled)
	viper.SetDefault("public_invite.url", invitebroker.DefaultPublicInviteURL)
	viper.SetDefault("supporter.url", "")
	viper.SetDefault("supporter.token", "")
	viper.SetDefault("supporter.timeout", invitebroker.DefaultSupporterTimeout)
	viper.SetDefault(
		"supporter.requests_per_second",
		invitebroker.DefaultSupporterRequestsPerSecond,
	)
	viper.SetDefault("supporter.redis_url", "")
	viper.SetDefault("supporter.cache_ttl", invitebroker.DefaultSupporterCacheTTL)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		invitebroker.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		invitebroker.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(invitebroker.DefaultDiscordGatewayIntent),
	)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		invitebroker.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		invitebroker.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		invitebroker.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		invitebroker.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		invitebroker.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		invitebroker.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		invitebroker.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))

	// API config
	viper.SetDefault("api.listen", invitebroker.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", invitebroker.DefaultAPILogLevel.String())
	viper.SetDefault("api.metrics_enabled", invitebroker.DefaultAPIMetricsEnabled)
	viper.SetDefault("api.read_timeout", invitebroker.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		invitebroker.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", invitebroker.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", invitebroker.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", invitebroker.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		invitebroker.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		invitebroker.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		invitebroker.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", invitebroker.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		invitebroker.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(invitebroker.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = invitebroker.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load before reading the environment",
	)
}
