package cmd

import (
	"fmt"
	"github.com/CurlyFG/SweetPeepMessenger/sweetpeep"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

SP_DATABASE=/home/foo/sweetpeep.sqlite3
SP_DATABASE_TYPE=sqlite
SP_DATABASE_LOG_LEVEL=INFO
SP_DATABASE_SLOW_THRESHOLD=200ms
SP_LOG_LEVEL=INFO
SP_STARTUP_TIMEOUT=30s
SP_SHUTDOWN_TIMEOUT=60s
SP_RUNTIME_CONFIG_TTL=5m

# Discord bot config

SP_DISCORD_TOKEN=your-discord-bot-token
SP_DISCORD_APPLICATION_ID=your-discord-bot-app-id
SP_DISCORD_GUILD_ID=
SP_DISCORD_SCENE_CHANNEL_ID=123456789
SP_DISCORD_WELCOME_CHANNEL_ID=234567890
SP_DISCORD_ANNOUNCEMENT_CHANNEL_ID=345678901
SP_DISCORD_LOG_LEVEL=WARN
SP_DISCORD_DISCORDGO_LOG_LEVEL=WARN
SP_DISCORD_STARTUP_MESSAGE="I'm here!"
SP_DISCORD_GATEWAY_INTENTS=3243773

# Scenes

SP_SCENES_DIRECTORY=/home/foo/scenes
SP_SCENES_TICK_INTERVAL=2s
SP_SCENES_WATCH=true

# Announcements and birthdays

SP_ANNOUNCEMENTS_CHECK_INTERVAL=30s
SP_ANNOUNCEMENTS_QUEUE_SIZE=50
SP_BIRTHDAYS_CHECK_INTERVAL=12h

# Welcome messages

SP_WELCOME_CATCHUP_ON_STARTUP=true

# API server

SP_API_ENABLED=true
SP_API_LISTEN=127.0.0.1:5000
SP_API_LISTEN_NETWORK=tcp
SP_API_SSL_CERT=/etc/ssl/cert.pem
SP_API_SSL_KEY=/etc/ssl/key.pem
SP_API_SSL_TLS_MIN_VERSION=771
SP_API_SECRET=your-api-secret
SP_API_LOG_LEVEL=DEBUG
SP_API_DEVELOPMENT=false
SP_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
SP_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
SP_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
SP_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
SP_API_CORS_ALLOW_CREDENTIALS=true
SP_API_CORS_MAX_AGE=12h
SP_API_READ_TIMEOUT=5s
SP_API_READ_HEADER_TIMEOUT=5s
SP_API_WRITE_TIMEOUT=10s
SP_API_IDLE_TIMEOUT=30s
SP_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/sweetpeep.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/sweetpeep.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("runtime_config_ttl"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "123456789", viper.GetString("discord.scene_channel_id"))
	assert.Equal(t, "234567890", viper.GetString("discord.welcome_channel_id"))
	assert.Equal(t, "345678901", viper.GetString("discord.announcement_channel_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "/home/foo/scenes", viper.GetString("scenes.directory"))
	assert.Equal(t, 2*time.Second, viper.GetDuration("scenes.tick_interval"))
	assert.True(t, viper.GetBool("scenes.watch"))

	assert.Equal(t, 30*time.Second, viper.GetDuration("announcements.check_interval"))
	assert.Equal(t, 50, viper.GetInt("announcements.queue_size"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("birthdays.check_interval"))

	assert.True(t, viper.GetBool("welcome.catchup_on_startup"))

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "tcp", viper.GetString("api.listen_network"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.False(t, viper.GetBool("api.development"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a sweetpeep.Config struct
	var config sweetpeep.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/sweetpeep.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, config.RuntimeConfigTTL)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, "123456789", config.Discord.SceneChannelID)
	assert.Equal(t, "234567890", config.Discord.WelcomeChannelID)
	assert.Equal(t, "345678901", config.Discord.AnnouncementChannelID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "/home/foo/scenes", config.Scenes.Directory)
	assert.Equal(t, 2*time.Second, config.Scenes.TickInterval)
	assert.True(t, config.Scenes.Watch)

	assert.Equal(t, 30*time.Second, config.Announcements.CheckInterval)
	assert.Equal(t, 50, config.Announcements.QueueSize)
	assert.Equal(t, 12*time.Hour, config.Birthdays.CheckInterval)
	assert.True(t, config.Welcome.CatchupOnStartup)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
