package sweetpeep

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername             = "admin_username"
	columnRuntimeConfigAdminPassword             = "admin_password"
	columnRuntimeConfigPaused                    = "paused"
	columnRuntimeConfigLastOnline                = "last_online"
	columnRuntimeConfigNotificationChannelID     = "notification_channel_id"
	columnRuntimeConfigAnnouncementMentionRoleID = "announcement_mention_role_id"
)

// RuntimeConfig represents the runtime configuration of the bot.
// It stores settings that can be modified during runtime and persisted
// across restarts. This struct is used to manage the 'live' application
// state for states we would want to maintain across restarts (e.g.,
// being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused indicates whether the bot is currently paused. While paused,
	// scenes do not advance and commands are acknowledged but not acted on.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// NotificationChannelID receives operational notices (startup message,
	// first-seen members, scene load errors).
	NotificationChannelID string `json:"notification_channel_id" gorm:"type:string"`

	// AnnouncementMentionRoleID, if set, is mentioned at the start of every
	// scheduled announcement.
	AnnouncementMentionRoleID string `json:"announcement_mention_role_id" gorm:"type:string"`

	// WelcomeEnabled toggles welcome messages for new members.
	WelcomeEnabled bool `json:"welcome_enabled" gorm:"not null;default:true"`

	// SceneTickInterval overrides the configured tick interval for
	// character turn checks, when set above zero.
	SceneTickInterval Duration `json:"scene_tick_interval" gorm:"type:string"`

	// LastOnline is the last time the bot was known to be running, in unix
	// milliseconds. Refreshed periodically and at shutdown. Members whose
	// join date is after this are welcomed at the next startup.
	LastOnline int64 `json:"last_online" gorm:"column:last_online"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

// CommandOptions groups runtime-mutable options that affect slash
// command handling.
type CommandOptions struct {
	// RecoverPanic recovers from panics in interaction handlers,
	// responding with DiscordErrorMessage instead of crashing.
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// DiscordErrorMessage is the generic response when a command fails.
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			RecoverPanic:        false,
			DiscordErrorMessage: DefaultDiscordErrorMessage,
		},
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		WelcomeEnabled:      true,
		SceneTickInterval:   Duration{DefaultSceneTickInterval},
		LogLevel:            DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:     DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:   DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:    DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:         DBLogLevel(slog.LevelInfo.String()),
	}
}

// RuntimeConfigUpdate is the PATCH payload for updating RuntimeConfig.
// Only non-nil fields are applied.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus       *string `json:"discord_custom_status,omitempty"`
	DiscordErrorMessage       *string `json:"discord_error_message,omitempty"`
	NotificationChannelID     *string `json:"notification_channel_id,omitempty"`
	AnnouncementMentionRoleID *string `json:"announcement_mention_role_id,omitempty"`

	WelcomeEnabled    *bool     `json:"welcome_enabled,omitempty"`
	SceneTickInterval *Duration `json:"scene_tick_interval,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func validateRuntimeUpdateLimits(field reflect.Value) any {
	if value, ok := field.Interface().(RuntimeConfigUpdate); ok {
		if value.SceneTickInterval != nil {
			tick := *value.SceneTickInterval
			if tick.Duration < 500*time.Millisecond {
				return "scene_tick_interval must be at least 500ms"
			}
			if tick.Duration > 5*time.Minute {
				return "scene_tick_interval must be at most 5m"
			}
		}
	}
	return nil
}

func (b RuntimeConfigUpdate) validate() error {
	err := structValidator.Struct(b)
	return err
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
