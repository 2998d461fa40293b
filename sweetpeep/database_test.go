package sweetpeep

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDBI(t testing.TB) DBI {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	db, err := CreateDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(t.TempDir(), fmt.Sprintf("%s.sqlite3", t.Name())),
	)
	require.NoError(t, err)
	return NewDatabase(db, nil, false)
}

func TestMemberCache(t *testing.T) {
	d := newTestDBI(t)
	ctx := context.Background()

	_, err := d.Create(ctx, &Member{ID: "100", Username: "piper"})
	require.NoError(t, err)
	_, err = d.Create(ctx, &Member{ID: "200", Username: "boots"})
	require.NoError(t, err)

	members := d.LoadMembers()
	assert.Len(t, members, 2)

	member := d.GetMember("100")
	require.NotNil(t, member)
	assert.Equal(t, "piper", member.Username)
	assert.Nil(t, d.GetMember("300"))

	_, err = d.Update(ctx, member, columnMemberUsername, "pip")
	require.NoError(t, err)

	reloaded := d.ReloadMember("100")
	require.NotNil(t, reloaded)
	assert.Equal(t, "pip", reloaded.Username)
	assert.Equal(t, "pip", d.GetMember("100").Username)

	assert.Nil(t, d.ReloadMember("300"))
}

func TestGetOrCreateMember(t *testing.T) {
	d := newTestDBI(t)
	ctx := context.Background()
	d.LoadMembers()

	u := discordgo.User{ID: "100", Username: "piper", GlobalName: "Piper"}
	member, created, err := d.GetOrCreateMember(ctx, nil, u)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, member)
	assert.Equal(t, "piper", member.Username)
	assert.False(t, member.Ignored)
	assert.NotZero(t, member.LastSeen)

	// second call hits the cache and refreshes last_seen
	member, created, err = d.GetOrCreateMember(ctx, nil, u)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, member)

	// username changes are picked up
	u.Username = "pip"
	member, created, err = d.GetOrCreateMember(ctx, nil, u)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "pip", member.Username)

	// bot users are ignored by default
	bot := discordgo.User{ID: "999", Username: "beepboop", Bot: true}
	member, created, err = d.GetOrCreateMember(ctx, nil, bot)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, member.Ignored)
}

func TestDurationType(t *testing.T) {
	d := Duration{3 * time.Second}

	value, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "3s", value)

	var scanned Duration
	require.NoError(t, scanned.Scan("1m30s"))
	assert.Equal(t, 90*time.Second, scanned.Duration)
	require.NoError(t, scanned.Scan([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, scanned.Duration)
	require.Error(t, scanned.Scan(42))
	require.Error(t, scanned.Scan("not a duration"))

	data, err := json.Marshal(Duration{5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(data))

	var unmarshaled Duration
	require.NoError(t, json.Unmarshal([]byte(`"45s"`), &unmarshaled))
	assert.Equal(t, 45*time.Second, unmarshaled.Duration)
}

func TestNullableString(t *testing.T) {
	var ns NullableString

	value, err := ns.Value()
	require.NoError(t, err)
	assert.Nil(t, value)

	ns = "delivery failed"
	value, err = ns.Value()
	require.NoError(t, err)
	assert.Equal(t, "delivery failed", value)

	data, err := json.Marshal(NullableString(""))
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	require.NoError(t, ns.Scan(nil))
	assert.Empty(t, ns)
	require.NoError(t, ns.Scan("canceled"))
	assert.Equal(t, NullableString("canceled"), ns)

	var parsed NullableString
	require.NoError(t, json.Unmarshal([]byte(`null`), &parsed))
	assert.Empty(t, parsed)
	require.NoError(t, json.Unmarshal([]byte(`"oops"`), &parsed))
	assert.Equal(t, NullableString("oops"), parsed)
}
