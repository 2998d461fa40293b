package cmd

import (
	"context"
	"fmt"
	"github.com/CurlyFG/SweetPeepMessenger/sweetpeep"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"
)

var (
	cfg        = sweetpeep.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "sweetpeep [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

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
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", sweetpeep.DefaultDatabase)
	viper.SetDefault("database_type", sweetpeep.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		sweetpeep.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		sweetpeep.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", sweetpeep.DefaultRuntimeConfigTTL)

	viper.SetDefault("log_level", sweetpeep.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", sweetpeep.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", sweetpeep.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", sweetpeep.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.scene_channel_id", "")
	viper.SetDefault("discord.welcome_channel_id", "")
	viper.SetDefault("discord.announcement_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		sweetpeep.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		sweetpeep.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		sweetpeep.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", sweetpeep.DefaultDiscordStartupMessage)

	// Scene config
	viper.SetDefault("scenes.directory", sweetpeep.DefaultSceneDirectory)
	viper.SetDefault("scenes.tick_interval", sweetpeep.DefaultSceneTickInterval)
	viper.SetDefault("scenes.watch", true)

	// Announcement config
	viper.SetDefault(
		"announcements.check_interval",
		sweetpeep.DefaultAnnouncementCheckInterval,
	)
	viper.SetDefault(
		"announcements.queue_size",
		sweetpeep.DefaultAnnouncementQueueSize,
	)

	// Birthday config
	viper.SetDefault(
		"birthdays.check_interval",
		sweetpeep.DefaultBirthdayCheckInterval,
	)

	// Welcome config
	viper.SetDefault("welcome.messages", sweetpeep.DefaultWelcomeMessages)
	viper.SetDefault("welcome.catchup_on_startup", true)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", sweetpeep.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		sweetpeep.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", sweetpeep.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		sweetpeep.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", sweetpeep.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", sweetpeep.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		sweetpeep.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		sweetpeep.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		sweetpeep.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", sweetpeep.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		sweetpeep.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(sweetpeep.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = sweetpeep.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	viper.Set(
		"welcome.messages",
		viper.GetStringSlice("welcome.messages"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}
	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("database_log_level"))
	if err != nil {
		log.Fatalf("error parsing database log level: %v", err)
	}
	viper.Set("database_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
