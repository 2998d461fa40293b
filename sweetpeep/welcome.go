package sweetpeep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// WelcomeLog records that a member was welcomed, so rejoining members
// and offline catch-up passes don't produce duplicate greetings.
type WelcomeLog struct {
	ModelUintID
	ModelUnixTime

	MemberID string `json:"member_id" gorm:"uniqueIndex;not null"`
	Username string `json:"username" gorm:"type:string"`

	// Message is the variant that was actually sent
	Message string `json:"message" gorm:"type:string"`

	// Caught-up welcomes are for members who joined while offline
	CatchUp bool `json:"catch_up" gorm:"default:false"`
}

func (w WelcomeLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("member_id", w.MemberID),
		slog.String("username", w.Username),
		slog.Bool("catch_up", w.CatchUp),
	)
}

// Welcomer greets new guild members in the welcome channel, and on
// startup catches up members who joined while the bot was offline.
type Welcomer struct {
	sp     *SweetPeep
	logger *slog.Logger
}

func newWelcomer(sp *SweetPeep) *Welcomer {
	return &Welcomer{
		sp:     sp,
		logger: sp.logger.With(loggerNameKey, "welcomer"),
	}
}

// messageFor picks a welcome variant for the given mention. Variants
// use '%s' for the member mention; variants without it get the mention
// appended.
func (w *Welcomer) messageFor(mention string) string {
	messages := w.sp.config.Welcome.Messages
	if len(messages) == 0 {
		messages = DefaultWelcomeMessages
	}
	variant := messages[rand.Intn(len(messages))]
	if strings.Contains(variant, "%s") {
		return fmt.Sprintf(variant, mention)
	}
	return fmt.Sprintf("%s %s", variant, mention)
}

// handleGuildMemberAdd is the discordgo handler for member joins.
func (w *Welcomer) handleGuildMemberAdd(
	_ *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	if m.User == nil || m.User.Bot {
		return
	}
	ctx := context.Background()
	if _, err := w.welcome(ctx, m.User, m.JoinedAt, false); err != nil {
		w.logger.ErrorContext(
			ctx,
			"error welcoming member",
			"user_id", m.User.ID,
			tint.Err(err),
		)
	}
}

// welcome greets a single member, skipping anyone already welcomed.
// Returns true if a greeting was actually sent.
func (w *Welcomer) welcome(
	ctx context.Context,
	u *discordgo.User,
	joinedAt time.Time,
	catchUp bool,
) (bool, error) {
	config := w.sp.RuntimeConfig()
	if !config.WelcomeEnabled || w.sp.paused.Load() {
		return false, nil
	}
	channelID := w.sp.config.Discord.WelcomeChannelID
	if channelID == "" {
		return false, nil
	}

	var existing WelcomeLog
	err := w.sp.db.WithContext(ctx).Where(
		"member_id = ?", u.ID,
	).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	member, _, err := w.sp.writeDB.GetOrCreateMember(ctx, w.sp, *u)
	if err != nil {
		w.logger.WarnContext(ctx, "error upserting member", tint.Err(err))
	}
	if member != nil && !joinedAt.IsZero() && member.JoinedAt == 0 {
		if _, err = w.sp.writeDB.Update(
			ctx, member, columnMemberJoinedAt, joinedAt.UTC().UnixMilli(),
		); err != nil {
			w.logger.WarnContext(ctx, "error recording join date", tint.Err(err))
		}
	}

	content := w.messageFor(u.Mention())
	if _, err = w.sp.discord.session.ChannelMessageSend(channelID, content); err != nil {
		return false, fmt.Errorf("error sending welcome message: %w", err)
	}

	entry := &WelcomeLog{
		MemberID: u.ID,
		Username: u.Username,
		Message:  content,
		CatchUp:  catchUp,
	}
	if _, err = w.sp.writeDB.Create(ctx, entry); err != nil {
		return true, fmt.Errorf("error recording welcome: %w", err)
	}
	w.logger.InfoContext(ctx, "welcomed member", "welcome", entry)
	return true, nil
}

// catchUp welcomes guild members who joined while the bot was offline:
// members whose join date is after the last recorded online time, and
// who have no welcome log entry. On a fresh install there's no last
// online time yet, so the pass is skipped rather than greeting the
// entire guild.
func (w *Welcomer) catchUp(ctx context.Context) {
	if !w.sp.config.Welcome.CatchupOnStartup {
		return
	}
	guildID := w.sp.config.Discord.GuildID
	if guildID == "" || w.sp.config.Discord.WelcomeChannelID == "" {
		return
	}

	lastOnline := w.sp.RuntimeConfig().LastOnline
	if lastOnline == 0 {
		w.logger.InfoContext(
			ctx,
			"no recorded last online time, skipping welcome catch-up",
		)
		return
	}

	welcomed := 0
	after := ""
	for {
		members, err := w.sp.discord.session.GuildMembers(guildID, after, 1000)
		if err != nil {
			w.logger.ErrorContext(ctx, "error listing guild members", tint.Err(err))
			return
		}
		if len(members) == 0 {
			break
		}
		for _, m := range members {
			if m.User == nil || m.User.Bot {
				continue
			}
			if m.JoinedAt.UTC().UnixMilli() <= lastOnline {
				continue
			}
			sent, err := w.welcome(ctx, m.User, m.JoinedAt, true)
			if err != nil {
				w.logger.ErrorContext(
					ctx,
					"error welcoming member",
					"user_id", m.User.ID,
					tint.Err(err),
				)
				continue
			}
			if sent {
				welcomed++
			}
		}
		last := members[len(members)-1]
		if last.User == nil {
			break
		}
		after = last.User.ID
		if len(members) < 1000 {
			break
		}
	}
	if welcomed > 0 {
		w.logger.InfoContext(ctx, "welcome catch-up complete", "welcomed", welcomed)
	}
}
