package cmd

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arcward/invitebroker/invitebroker"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetConfig clears viper settings and the package config, so each test
// starts from defaults
func resetConfig(t testing.TB) {
	t.Helper()
	viper.Reset()
	cfg = invitebroker.DefaultConfig()
	configFile = ""
	t.Cleanup(
		func() {
			viper.Reset()
			cfg = invitebroker.DefaultConfig()
			configFile = ""
		},
	)
}

// executeCommand runs the root command with the given args, returning
// everything written to stdout/stderr
func executeCommand(t testing.TB, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetArgs(nil)
		},
	)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// setTestDatabase points the database config at a new sqlite file
func setTestDatabase(t testing.TB) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	t.Setenv("IB_DATABASE_TYPE", "sqlite")
	t.Setenv("IB_DATABASE", dbPath)
	return dbPath
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetConfig(t)
	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

IB_DATABASE=postgres://invitebroker@localhost:5432/invitebroker
IB_DATABASE_TYPE=postgres
IB_DATABASE_LOG_LEVEL=WARN
IB_DATABASE_SLOW_THRESHOLD=250ms
IB_MAX_DB_CONNECTIONS=20
IB_DB_ACQUIRE_TIMEOUT=15s
IB_DATABASE_SSL_ENABLED=true
IB_DATABASE_SSL_ROOT_CERT=/etc/ssl/db-ca.pem
IB_LOG_LEVEL=DEBUG
IB_STARTUP_TIMEOUT=20s
IB_SHUTDOWN_TIMEOUT=45s
IB_DEVELOPMENT=true

# Invites

IB_PUBLIC_INVITE_ENABLED=false
IB_PUBLIC_INVITE_URL=https://discord.com/oauth2/authorize?client_id=42
IB_SUPPORTER_URL=https://supporters.example.com/users
IB_SUPPORTER_TOKEN=supporter-token
IB_SUPPORTER_TIMEOUT=2s
IB_SUPPORTER_REQUESTS_PER_SECOND=2.5
IB_SUPPORTER_REDIS_URL=redis://localhost:6379/0
IB_SUPPORTER_CACHE_TTL=1m

# Discord bot config

IB_DISCORD_TOKEN=your-discord-bot-token
IB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
IB_DISCORD_GUILD_ID=
IB_DISCORD_LOG_LEVEL=ERROR
IB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
IB_DISCORD_GATEWAY_INTENTS=513

# Discord webhook server

IB_DISCORD_WEBHOOK_SERVER_ENABLED=true
IB_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:6001
IB_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
IB_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
IB_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=772
IB_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
IB_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
IB_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=6s

# API server

IB_API_LISTEN=127.0.0.1:6000
IB_API_SSL_CERT=/etc/ssl/cert.pem
IB_API_SSL_KEY=/etc/ssl/key.pem
IB_API_LOG_LEVEL=DEBUG
IB_API_METRICS_ENABLED=false
IB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
IB_API_CORS_ALLOW_METHODS=GET POST OPTIONS
IB_API_CORS_ALLOW_CREDENTIALS=true
IB_API_CORS_MAX_AGE=1h
IB_API_WRITE_TIMEOUT=20s
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))
	t.Cleanup(
		func() {
			env, _ := readEnvKeys(envFile)
			for _, k := range env {
				_ = os.Unsetenv(k)
			}
		},
	)

	_, err := executeCommand(t, fmt.Sprintf("--config=%s", envFile), "version")
	require.NoError(t, err)

	assert.Equal(t, "postgres://invitebroker@localhost:5432/invitebroker", cfg.Database)
	assert.Equal(t, "postgres", cfg.DatabaseType)
	assert.Equal(t, slog.LevelWarn, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, 20, cfg.MaxDBConnections)
	assert.Equal(t, 15*time.Second, cfg.DBAcquireTimeout)
	assert.True(t, cfg.DatabaseSSL.Enabled)
	assert.Equal(t, "/etc/ssl/db-ca.pem", cfg.DatabaseSSL.RootCert)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Development)

	assert.False(t, cfg.PublicInvite.Enabled)
	assert.Equal(t, "https://discord.com/oauth2/authorize?client_id=42", cfg.PublicInvite.URL)
	assert.Equal(t, "https://supporters.example.com/users", cfg.Supporter.URL)
	assert.Equal(t, "supporter-token", cfg.Supporter.Token)
	assert.Equal(t, 2*time.Second, cfg.Supporter.Timeout)
	assert.Equal(t, 2.5, cfg.Supporter.RequestsPerSecond)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Supporter.RedisURL)
	assert.Equal(t, time.Minute, cfg.Supporter.CacheTTL)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelError, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(513), cfg.Discord.GatewayIntents)

	webhook := cfg.Discord.WebhookServer
	assert.True(t, webhook.Enabled)
	assert.Equal(t, "127.0.0.1:6001", webhook.Listen)
	assert.Equal(t, "tcp", webhook.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", webhook.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", webhook.SSL.Key)
	assert.Equal(t, uint16(772), webhook.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, webhook.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", webhook.PublicKey)
	assert.Equal(t, 6*time.Second, webhook.ReadTimeout)
	assert.Equal(t, invitebroker.DefaultWriteTimeout, webhook.WriteTimeout)

	api := cfg.API
	assert.Equal(t, "127.0.0.1:6000", api.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", api.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", api.SSL.Key)
	assert.True(t, api.SSL.Enabled())
	assert.Equal(t, slog.LevelDebug, api.LogLevel.Level())
	assert.False(t, api.MetricsEnabled)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		api.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, api.CORS.AllowMethods)
	assert.Equal(t, invitebroker.DefaultCORSAllowHeaders, api.CORS.AllowHeaders)
	assert.True(t, api.CORS.AllowCredentials)
	assert.Equal(t, time.Hour, api.CORS.MaxAge)
	assert.Equal(t, 20*time.Second, api.WriteTimeout)
	assert.Equal(t, invitebroker.DefaultReadTimeout, api.ReadTimeout)
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetConfig(t)
	t.Setenv("IB_DISCORD_TOKEN", "token")
	t.Setenv("IB_DISCORD_APPLICATION_ID", "1")

	_, err := executeCommand(t, "version")
	require.NoError(t, err)

	defaults := invitebroker.DefaultConfig()
	assert.Equal(t, defaults.Database, cfg.Database)
	assert.Equal(t, defaults.DatabaseType, cfg.DatabaseType)
	assert.Equal(t, defaults.MaxDBConnections, cfg.MaxDBConnections)
	assert.Equal(t, defaults.PublicInvite, cfg.PublicInvite)
	assert.Equal(t, defaults.Supporter, cfg.Supporter)
	assert.Equal(t, defaults.API.Listen, cfg.API.Listen)
	assert.Equal(t, defaults.API.CORS, cfg.API.CORS)
	assert.Equal(t, defaults.Discord.GatewayIntents, cfg.Discord.GatewayIntents)
	assert.Equal(t, defaults.LogLevel.Level(), cfg.LogLevel.Level())

	ib, err := invitebroker.New(cfg)
	require.NoError(t, err)
	assert.NoError(t, ib.ValidateConfig())
}

func TestLoadConfig_EnvPrefix(t *testing.T) {
	resetConfig(t)
	t.Setenv(invitebroker.EnvvarSetEnvPrefix, "BROKER")
	t.Setenv("BROKER_MAX_DB_CONNECTIONS", "3")
	t.Setenv("IB_MAX_DB_CONNECTIONS", "7")

	_, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxDBConnections)
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	resetConfig(t)
	t.Setenv("IB_LOG_LEVEL", "LOUD")

	_, err := executeCommand(t, "version")
	assert.ErrorContains(t, err, "invalid log level: LOUD")
}

func TestLevelToStringHookFunc(t *testing.T) {
	type levels struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	}
	for input, expected := range tests {
		t.Run(
			input, func(t *testing.T) {
				v := viper.New()
				v.Set("level", input)
				var l levels
				require.NoError(t, v.Unmarshal(&l, viper.DecodeHook(LevelToStringHookFunc())))
				require.NotNil(t, l.Level)
				assert.Equal(t, expected, l.Level.Level())
			},
		)
	}
}

// readEnvKeys returns the variable names set in an env file
func readEnvKeys(filename string) ([]string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if k, _, ok := bytes.Cut(line, []byte("=")); ok {
			keys = append(keys, string(k))
		}
	}
	return keys, nil
}
