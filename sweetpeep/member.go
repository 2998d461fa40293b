package sweetpeep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnMemberIgnored    = "ignored"
	columnMemberUsername   = "username"
	columnMemberGlobalName = "global_name"
	columnMemberLastSeen   = "last_seen"
	columnMemberJoinedAt   = "joined_at"
)

// Member is a record of a Discord guild member, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type Member struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots will be ignored
	// by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are Sweet Peep-specific
	//

	// If true, commands from this member will be ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// JoinedAt is when this member joined the guild, in unix milliseconds.
	// Used to find members who joined while the bot was offline.
	JoinedAt int64 `json:"joined_at" gorm:"column:joined_at"`

	// LastSeen is the last time this member was seen in a Discord
	// interaction (whether it was from a slash command, clicking a
	// scene choice button, etc.)
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewMember(u discordgo.User) (*Member, error) {
	content, err := json.Marshal(u)
	member := Member{
		ID:         u.ID,
		Username:   u.Username,
		Ignored:    false,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		member.Ignored = true
	}

	return &member, err
}

func (m *Member) String() string {
	return fmt.Sprintf("%s [%s]", m.Username, m.ID)
}

func (m *Member) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("id", m.ID),
		slog.String("username", m.Username),
		slog.String("global_name", m.GlobalName),
		slog.Bool("ignored", m.Ignored),
	}
	return slog.GroupValue(attrs...)
}

// changedDiscordUsername compares [Member.Username] and [Member.GlobalName]
// with the given discordgo.User, and returns a bool indicating whether
// either field has changed (true) or not (false). This helps avoid 'drift'
// if the member updates their Discord profile.
func (m *Member) changedDiscordUsername(d discordgo.User) bool {
	return (d.Username != m.Username) || (d.GlobalName != m.GlobalName)
}

// getStats collects per-member activity counts: scenes they've started,
// announcements they've scheduled, and whether a birthday is registered.
func (m *Member) getStats(_ context.Context, db *gorm.DB) (MemberStats, error) {
	s := MemberStats{}

	var errs []error

	var sceneCount int64
	err := db.Unscoped().Model(&ScenePlayback{}).Where(
		"started_by = ?",
		m.ID,
	).Count(&sceneCount).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error getting scene stats: %w", err),
		)
	}
	s.ScenesStarted = int(sceneCount)

	var announcementCount int64
	err = db.Unscoped().Model(&Announcement{}).Where(
		"created_by = ?",
		m.ID,
	).Count(&announcementCount).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error getting announcement stats: %w", err),
		)
	}
	s.Announcements = int(announcementCount)

	var birthdayCount int64
	err = db.Model(&Birthday{}).Where(
		"member_id = ?",
		m.ID,
	).Count(&birthdayCount).Error
	if err != nil {
		errs = append(errs, fmt.Errorf("error getting birthday stats: %w", err))
	}
	s.BirthdaySet = birthdayCount > 0

	return s, errors.Join(errs...)
}

type MemberStats struct {
	ScenesStarted int  `json:"scenes_started"`
	Announcements int  `json:"announcements"`
	BirthdaySet   bool `json:"birthday_set"`
}
