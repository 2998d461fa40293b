package sweetpeep

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	password := "correct horse battery staple"
	hashed, err := HashPassword(password)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$v=19$"))
	assert.NotContains(t, hashed, password)

	ok, err := VerifyPassword(hashed, password)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hashed, "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("not-a-hash", password)
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid hash format")
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	first, err := HashPassword("hunter2")
	require.NoError(t, err)
	second, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 16)

	// odd lengths round up
	s, err = generateRandomHexString(15)
	require.NoError(t, err)
	assert.Len(t, s, 16)
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("some secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("some secret"))
	assert.NotEqual(t, key, derive64ByteKey("another secret"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "trunc", truncate("truncated", 5))
	// counts runes, not bytes
	assert.Equal(t, "héllo", truncate("héllo wörld", 5))
}

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(3, 1, 2, 3, 4, 5, 6, 7)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{1, 2, 3}, chunks[0])
	assert.Equal(t, []int{4, 5, 6}, chunks[1])
	assert.Equal(t, []int{7}, chunks[2])

	assert.Nil(t, chunkItems[int](3))
}

func TestStructToSlogValueRedaction(t *testing.T) {
	cfg := DiscordConfig{
		Token:         "super-secret-token",
		ApplicationID: "12345",
	}
	value := structToSlogValue(cfg)
	require.Equal(t, slog.KindGroup, value.Kind())

	attrs := map[string]string{}
	for _, attr := range value.Group() {
		attrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "[redacted]", attrs["token"])
	assert.Equal(t, "12345", attrs["application_id"])
	assert.NotContains(t, attrs["token"], "super-secret-token")

	// empty fields are omitted
	_, hasGuild := attrs["guild_id"]
	assert.False(t, hasGuild)
}

func TestStringPointerValue(t *testing.T) {
	assert.Empty(t, stringPointerValue(nil))
	s := "value"
	assert.Equal(t, "value", stringPointerValue(&s))
}

func TestGetDiscordgoLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, getDiscordgoLogLevel(discordgo.LogDebug))
	assert.Equal(t, slog.LevelInfo, getDiscordgoLogLevel(discordgo.LogInformational))
	assert.Equal(t, slog.LevelWarn, getDiscordgoLogLevel(discordgo.LogWarning))
	assert.Equal(t, slog.LevelError, getDiscordgoLogLevel(discordgo.LogError))

	// unknown levels default to info
	assert.Equal(t, slog.LevelInfo, getDiscordgoLogLevel(42))
}

func TestInteractionHasPermission(t *testing.T) {
	manage := int64(discordgo.PermissionManageMessages)

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{Permissions: manage},
		},
	}
	assert.True(t, interactionHasPermission(i, manage))

	i.Member.Permissions = discordgo.PermissionSendMessages
	assert.False(t, interactionHasPermission(i, manage))

	// administrators carry every bit
	i.Member.Permissions = discordgo.PermissionAll
	assert.True(t, interactionHasPermission(i, manage))

	// DM interactions have no member
	i.Member = nil
	assert.False(t, interactionHasPermission(i, manage))
}

func TestPlaybackLogAttrs(t *testing.T) {
	p := ScenePlayback{
		ModelUintID: ModelUintID{ID: 7},
		SceneName:   "visitor",
		CurrentNode: "greet",
		NextSpeaker: "Boots",
	}
	attrs := playbackLogAttrs(p)
	require.Len(t, attrs, 8)
	assert.Equal(t, uint(7), attrs[1])
	assert.Equal(t, "visitor", attrs[3])
	assert.Equal(t, "greet", attrs[5])
	assert.Equal(t, "Boots", attrs[7])
}
