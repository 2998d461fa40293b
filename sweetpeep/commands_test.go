package sweetpeep

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubInteractionHandler implements InteractionHandler in-memory,
// capturing responses for assertions.
type stubInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	responses   []*discordgo.InteractionResponse
	edits       []*discordgo.WebhookEdit
}

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, i)
	return nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return nil, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger { return slog.Default() }

func (s *stubInteractionHandler) Config() CommandOptions { return CommandOptions{} }

// commandInteraction builds a slash command interaction from a guild
// member with the given permission bits.
func commandInteraction(
	name string,
	permissions int64,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Member: &discordgo.Member{
				User:        &discordgo.User{ID: "member-1", Username: "piper_fan"},
				Permissions: permissions,
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int64) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func userOption(name string, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func TestCommandAnnounceRequiresPermission(t *testing.T) {
	an := newTestAnnouncer(t)
	sp := an.sp
	sp.announcer = an
	ctx := context.Background()

	future := time.Now().UTC().Add(24 * time.Hour)
	options := []*discordgo.ApplicationCommandInteractionDataOption{
		stringOption(announceCommandMessageOption, "Movie night!"),
		stringOption(
			announceCommandTimeOption, future.Format(announcementTimeLayout),
		),
		stringOption(announceCommandTimezoneOption, "UTC"),
	}
	member := &Member{ID: "member-1"}

	// without Manage Messages the command is refused and nothing is
	// scheduled
	i := commandInteraction(DiscordSlashCommandAnnounce, 0, options...)
	reply := sp.commandAnnounce(ctx, i, member)
	assert.Equal(t, announcePermissionDeniedMessage, reply)

	pending, err := an.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// with the permission it schedules normally
	i = commandInteraction(
		DiscordSlashCommandAnnounce,
		discordgo.PermissionManageMessages,
		options...,
	)
	reply = sp.commandAnnounce(ctx, i, member)
	assert.Contains(t, reply, "📣 Scheduled!")

	pending, err = an.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Movie night!", pending[0].Message)
}

func TestAnnouncementCommandsRefuseWithoutPermission(t *testing.T) {
	sp := &SweetPeep{logger: slog.Default()}
	ctx := context.Background()

	replies := []string{
		sp.commandCancelAnnouncement(
			ctx,
			commandInteraction(
				DiscordSlashCommandCancelAnnouncement,
				0,
				intOption(announceCommandIDOption, 1),
			),
		),
		sp.commandEditAnnouncement(
			ctx,
			commandInteraction(
				DiscordSlashCommandEditAnnouncement,
				0,
				intOption(announceCommandIDOption, 1),
			),
		),
		sp.commandWelcome(
			ctx,
			commandInteraction(
				DiscordSlashCommandWelcome,
				0,
				userOption(welcomeCommandUserOption, "member-2"),
			),
		),
	}
	for _, reply := range replies {
		assert.Equal(t, announcePermissionDeniedMessage, reply)
	}
}

func TestCommandEditAnnouncement(t *testing.T) {
	an := newTestAnnouncer(t)
	sp := an.sp
	sp.announcer = an
	ctx := context.Background()

	future := time.Now().UTC().Add(24 * time.Hour)
	a, err := an.Schedule(
		ctx, AnnouncementCreate{
			Message:  "Movie night!",
			TimeSpec: future.Format(announcementTimeLayout),
			Timezone: "UTC",
		}, "member-1",
	)
	require.NoError(t, err)

	i := commandInteraction(
		DiscordSlashCommandEditAnnouncement,
		discordgo.PermissionManageMessages,
		intOption(announceCommandIDOption, int64(a.ID)),
		stringOption(announceCommandMessageOption, "Game night!"),
	)
	reply := sp.commandEditAnnouncement(ctx, i)
	assert.Contains(t, reply, fmt.Sprintf("✏️ Updated announcement %d", a.ID))

	pending, err := an.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Game night!", pending[0].Message)

	// unknown IDs report the failure instead of panicking
	i = commandInteraction(
		DiscordSlashCommandEditAnnouncement,
		discordgo.PermissionManageMessages,
		intOption(announceCommandIDOption, 9999),
		stringOption(announceCommandMessageOption, "Game night!"),
	)
	reply = sp.commandEditAnnouncement(ctx, i)
	assert.Contains(t, reply, "couldn't update")
}

func TestCommandListAnnouncementsDateFilter(t *testing.T) {
	an := newTestAnnouncer(t)
	sp := an.sp
	sp.announcer = an
	ctx := context.Background()

	day := time.Now().UTC().Add(48 * time.Hour)
	otherDay := day.Add(24 * time.Hour)
	for _, sendAt := range []time.Time{day, otherDay} {
		_, err := an.Schedule(
			ctx, AnnouncementCreate{
				Message:  fmt.Sprintf("Event on %s", sendAt.Format("2006-01-02")),
				TimeSpec: sendAt.Format(announcementTimeLayout),
				Timezone: "UTC",
			}, "member-1",
		)
		require.NoError(t, err)
	}

	// no filter: both listed
	reply := sp.commandListAnnouncements(
		ctx, commandInteraction(DiscordSlashCommandListAnnouncements, 0),
	)
	assert.Equal(t, 2, strings.Count(reply, "- **"))

	// filtered to a single day
	reply = sp.commandListAnnouncements(
		ctx,
		commandInteraction(
			DiscordSlashCommandListAnnouncements,
			0,
			stringOption(listCommandDateOption, day.Format("2006-01-02")),
		),
	)
	assert.Equal(t, 1, strings.Count(reply, "- **"))
	assert.Contains(t, reply, day.Format("2006-01-02"))

	// a day with nothing scheduled
	reply = sp.commandListAnnouncements(
		ctx,
		commandInteraction(
			DiscordSlashCommandListAnnouncements,
			0,
			stringOption(listCommandDateOption, "2020-01-01"),
		),
	)
	assert.Contains(t, reply, "No announcements are scheduled for 2020-01-01")

	// malformed dates get a hint instead of an error dump
	reply = sp.commandListAnnouncements(
		ctx,
		commandInteraction(
			DiscordSlashCommandListAnnouncements,
			0,
			stringOption(listCommandDateOption, "someday"),
		),
	)
	assert.Contains(t, reply, "YYYY-MM-DD")
}

func TestCommandWelcome(t *testing.T) {
	w, session := newConnectedWelcomer(t)
	sp := w.sp
	sp.welcomer = w
	ctx := context.Background()

	i := commandInteraction(
		DiscordSlashCommandWelcome,
		discordgo.PermissionManageMessages,
		userOption(welcomeCommandUserOption, "member-2"),
	)
	data := i.Data.(discordgo.ApplicationCommandInteractionData)
	data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
		Users: map[string]*discordgo.User{
			"member-2": {ID: "member-2", Username: "boots_fan"},
		},
	}
	i.Data = data

	reply := sp.commandWelcome(ctx, i)
	assert.Contains(t, reply, "👋 Welcomed")
	require.Len(t, session.sentMessages(), 1)

	// already-welcomed members aren't greeted twice
	reply = sp.commandWelcome(ctx, i)
	assert.Contains(t, reply, "already been welcomed")
	assert.Len(t, session.sentMessages(), 1)

	// bots are refused
	bot := commandInteraction(
		DiscordSlashCommandWelcome,
		discordgo.PermissionManageMessages,
		userOption(welcomeCommandUserOption, "bot-1"),
	)
	botData := bot.Data.(discordgo.ApplicationCommandInteractionData)
	botData.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
		Users: map[string]*discordgo.User{
			"bot-1": {ID: "bot-1", Username: "beep", Bot: true},
		},
	}
	bot.Data = botData
	reply = sp.commandWelcome(ctx, bot)
	assert.Contains(t, reply, "Bots don't get welcome messages")
}

func TestSceneAutocompleteChoices(t *testing.T) {
	names := []string{"visitor", "garden tour", "Garden party", "rainy day"}

	choices := sceneAutocompleteChoices(names, "")
	require.Len(t, choices, 4)
	assert.Equal(t, "visitor", choices[0].Name)

	// matches are case-insensitive substrings
	choices = sceneAutocompleteChoices(names, "GARDEN")
	require.Len(t, choices, 2)
	assert.Equal(t, "garden tour", choices[0].Name)
	assert.Equal(t, "Garden party", choices[1].Name)

	assert.Empty(t, sceneAutocompleteChoices(names, "midnight"))

	// results are capped at Discord's limit
	many := make([]string, 40)
	for n := range many {
		many[n] = fmt.Sprintf("scene %02d", n)
	}
	assert.Len(t, sceneAutocompleteChoices(many, ""), maxAutocompleteChoices)
}

func TestHandleAutocomplete(t *testing.T) {
	tmpdir := t.TempDir()
	writeSceneFile(t, tmpdir, "visitor", testSceneJSON)
	writeSceneFile(t, tmpdir, "garden", testSceneJSON)
	library := NewSceneLibrary(tmpdir, nil)
	_, err := library.Load()
	require.NoError(t, err)

	sp := &SweetPeep{logger: slog.Default(), sceneLibrary: library}

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommandAutocomplete,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandStartScene,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    sceneCommandSceneOption,
						Type:    discordgo.ApplicationCommandOptionString,
						Value:   "gar",
						Focused: true,
					},
				},
			},
		},
	}
	handler := &stubInteractionHandler{interaction: i}

	sp.handleAutocomplete(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	resp := handler.responses[0]
	assert.Equal(
		t,
		discordgo.InteractionApplicationCommandAutocompleteResult,
		resp.Type,
	)
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Choices, 1)
	assert.Equal(t, "garden", resp.Data.Choices[0].Name)
}
