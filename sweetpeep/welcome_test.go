package sweetpeep

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWelcomer(messages ...string) *Welcomer {
	return &Welcomer{
		sp: &SweetPeep{
			config: &Config{Welcome: &WelcomeConfig{Messages: messages}},
		},
	}
}

// newConnectedWelcomer builds a Welcomer backed by a real database and
// a stub Discord session, for exercising greetings end to end.
func newConnectedWelcomer(t testing.TB) (*Welcomer, *stubDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Discord.WelcomeChannelID = "welcome-channel"
	cfg.Welcome.Messages = []string{"Welcome to the flock, %s!"}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	db, err := CreateDB(ctx, dbTypeSQLite, cfg.Database)
	require.NoError(t, err)

	session := &stubDiscordSession{}
	rc := DefaultRuntimeConfig()
	sp := &SweetPeep{
		config:        cfg,
		logger:        slog.Default(),
		db:            db,
		writeDB:       NewDatabase(db, nil, false),
		runtimeConfig: &rc,
		discord:       &Discord{session: session},
	}
	return newWelcomer(sp), session
}

func TestWelcomerWelcome(t *testing.T) {
	w, session := newConnectedWelcomer(t)
	ctx := context.Background()

	joined := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	user := &discordgo.User{ID: "user-1", Username: "piper_fan"}

	sent, err := w.welcome(ctx, user, joined, false)
	require.NoError(t, err)
	assert.True(t, sent)

	messages := session.sentMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, "welcome-channel", messages[0].ChannelID)
	assert.Equal(
		t,
		fmt.Sprintf("Welcome to the flock, %s!", user.Mention()),
		messages[0].Content,
	)

	// the join date is recorded on the member row
	var member Member
	require.NoError(t, w.sp.db.First(&member, "id = ?", user.ID).Error)
	assert.Equal(t, joined.UnixMilli(), member.JoinedAt)

	// a second join (e.g. leave and rejoin) isn't greeted again
	sent, err = w.welcome(ctx, user, joined, false)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, session.sentMessages(), 1)
}

func TestWelcomerWelcomeDisabled(t *testing.T) {
	w, session := newConnectedWelcomer(t)
	w.sp.runtimeConfig.WelcomeEnabled = false

	sent, err := w.welcome(
		context.Background(),
		&discordgo.User{ID: "user-1", Username: "piper_fan"},
		time.Now().UTC(),
		false,
	)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, session.sentMessages())
}

func TestWelcomerCatchUp(t *testing.T) {
	w, session := newConnectedWelcomer(t)
	ctx := context.Background()

	lastOnline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	w.sp.runtimeConfig.LastOnline = lastOnline.UnixMilli()

	session.memberPages = [][]*discordgo.Member{
		{
			{
				// joined long before the bot went offline
				User:     &discordgo.User{ID: "old-member", Username: "old"},
				JoinedAt: lastOnline.Add(-30 * 24 * time.Hour),
			},
			{
				User:     &discordgo.User{ID: "bot-member", Username: "beep", Bot: true},
				JoinedAt: lastOnline.Add(time.Hour),
			},
			{
				User:     &discordgo.User{ID: "new-member", Username: "new"},
				JoinedAt: lastOnline.Add(2 * time.Hour),
			},
		},
	}

	w.catchUp(ctx)

	messages := session.sentMessages()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, (&discordgo.User{ID: "new-member"}).Mention())

	var logs []WelcomeLog
	require.NoError(t, w.sp.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "new-member", logs[0].MemberID)
	assert.True(t, logs[0].CatchUp)
}

func TestWelcomerCatchUpFreshInstall(t *testing.T) {
	// with no recorded last online time, catch-up would greet the whole
	// guild; it skips instead
	w, session := newConnectedWelcomer(t)
	w.sp.runtimeConfig.LastOnline = 0
	session.memberPages = [][]*discordgo.Member{
		{
			{
				User:     &discordgo.User{ID: "user-1", Username: "piper_fan"},
				JoinedAt: time.Now().UTC(),
			},
		},
	}

	w.catchUp(context.Background())

	assert.Empty(t, session.memberAfters, "member listing should not run")
	assert.Empty(t, session.sentMessages())
}

func TestWelcomerCatchUpNilUserPage(t *testing.T) {
	// a full page ending in a member with no user object can't provide
	// the next cursor; the pass stops rather than looping
	w, session := newConnectedWelcomer(t)
	lastOnline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	w.sp.runtimeConfig.LastOnline = lastOnline.UnixMilli()

	page := make([]*discordgo.Member, 1000)
	for i := range page {
		page[i] = &discordgo.Member{
			User: &discordgo.User{
				ID:       fmt.Sprintf("member-%d", i),
				Username: fmt.Sprintf("member%d", i),
			},
			JoinedAt: lastOnline.Add(-time.Hour),
		}
	}
	page[len(page)-1] = &discordgo.Member{JoinedAt: lastOnline.Add(-time.Hour)}
	session.memberPages = [][]*discordgo.Member{page, {}}

	w.catchUp(context.Background())

	assert.Equal(t, []string{""}, session.memberAfters)
	assert.Empty(t, session.sentMessages())
}

func TestWelcomerMessageFor(t *testing.T) {
	w := newTestWelcomer("Welcome to the flock, %s!")
	assert.Equal(
		t,
		"Welcome to the flock, <@123>!",
		w.messageFor("<@123>"),
	)
}

func TestWelcomerMessageForNoPlaceholder(t *testing.T) {
	// variants without '%s' get the mention appended
	w := newTestWelcomer("A new friend has arrived!")
	assert.Equal(
		t,
		"A new friend has arrived! <@123>",
		w.messageFor("<@123>"),
	)
}

func TestWelcomerMessageForDefaults(t *testing.T) {
	// with no variants configured, the defaults are used
	w := newTestWelcomer()
	variants := make(map[string]bool, len(DefaultWelcomeMessages))
	for _, variant := range DefaultWelcomeMessages {
		variants[fmt.Sprintf(variant, "<@123>")] = true
	}
	for i := 0; i < 20; i++ {
		message := w.messageFor("<@123>")
		assert.Contains(t, message, "<@123>")
		assert.True(t, variants[message], message)
	}
}
