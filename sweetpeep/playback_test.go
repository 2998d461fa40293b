package sweetpeep

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNotifier is a no-op DBNotifier that counts playback notifications.
type testNotifier struct {
	playbackUpdates atomic.Int64
}

func (*testNotifier) MemberCacheChannelName() string { return "" }

func (*testNotifier) ReloadMemberCache(context.Context) bool { return true }

func (*testNotifier) RuntimeConfigChannelName() string { return "" }

func (*testNotifier) ReloadRuntimeConfig(context.Context) bool { return true }

func (*testNotifier) MemberUpdateChannelName() string { return "" }

func (*testNotifier) MemberUpdated(context.Context, string) bool { return true }

func (*testNotifier) PlaybackChannelName() string { return "" }

func (n *testNotifier) PlaybackUpdated(context.Context) bool {
	n.playbackUpdates.Add(1)
	return true
}

func (*testNotifier) StopChannelName() string { return "" }

func (*testNotifier) Stop(context.Context) bool { return true }

func (*testNotifier) ID() string { return "test-notifier" }

func (*testNotifier) Listen(context.Context, string) error { return nil }

func newTestStage(t testing.TB) (*Stage, *testNotifier) {
	t.Helper()
	tmpdir := t.TempDir()
	writeSceneFile(t, tmpdir, "visitor", testSceneJSON)

	library := NewSceneLibrary(tmpdir, nil)
	_, err := library.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	db, err := CreateDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name())),
	)
	require.NoError(t, err)

	notifier := &testNotifier{}
	stage := NewStage(NewDatabase(db, nil, false), library, notifier, nil)
	return stage, notifier
}

func TestStageStart(t *testing.T) {
	stage, notifier := newTestStage(t)
	ctx := context.Background()

	_, err := stage.ActivePlayback(ctx)
	require.ErrorIs(t, err, ErrNoActiveScene)

	playback, err := stage.Start(ctx, "visitor", "channel-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "visitor", playback.SceneName)
	assert.Equal(t, SceneStartNode, playback.CurrentNode)
	assert.Equal(t, "Piper", playback.NextSpeaker)
	assert.Equal(t, "channel-1", playback.ChannelID)
	assert.Equal(t, "user-1", playback.StartedBy)
	assert.True(t, playback.Active)
	assert.NotZero(t, playback.StartedAt)
	assert.Equal(t, int64(1), notifier.playbackUpdates.Load())

	active, err := stage.ActivePlayback(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.ID, active.ID)

	_, err = stage.Start(ctx, "visitor", "channel-1", "user-2")
	require.ErrorIs(t, err, ErrSceneActive)
}

func TestStageStartUnknownScene(t *testing.T) {
	stage, _ := newTestStage(t)
	_, err := stage.Start(context.Background(), "nope", "channel-1", "")
	require.ErrorIs(t, err, ErrUnknownScene)
}

func TestStageAdvanceThroughScene(t *testing.T) {
	stage, _ := newTestStage(t)
	ctx := context.Background()

	_, err := stage.Advance(ctx)
	require.ErrorIs(t, err, ErrNoActiveScene)

	_, err = stage.Start(ctx, "visitor", "channel-1", "user-1")
	require.NoError(t, err)

	// start -> greet
	playback, err := stage.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "greet", playback.CurrentNode)
	assert.Equal(t, "Boots", playback.NextSpeaker)
	assert.False(t, playback.WaitingForChoice)

	// greet's transition needs a choice, so playback pauses
	playback, err = stage.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "greet", playback.CurrentNode)
	assert.True(t, playback.WaitingForChoice)
	assert.False(t, playback.ChoicePrompted)
	assert.Empty(t, playback.NextSpeaker)

	choices := stage.PendingChoices(playback)
	assert.Equal(t, []string{"rest", "tour"}, choices)

	require.NoError(t, stage.MarkChoicePrompted(ctx, playback))
	active, err := stage.ActivePlayback(ctx)
	require.NoError(t, err)
	assert.True(t, active.ChoicePrompted)

	playback, err = stage.Choose(ctx, "tour")
	require.NoError(t, err)
	assert.Equal(t, "tour", playback.CurrentNode)
	assert.Equal(t, "Piper", playback.NextSpeaker)
	assert.False(t, playback.WaitingForChoice)

	// tour ends the scene
	playback, err = stage.Advance(ctx)
	require.NoError(t, err)
	assert.False(t, playback.Active)
	assert.NotZero(t, playback.EndedAt)
	assert.Zero(t, playback.StoppedAt)

	_, err = stage.ActivePlayback(ctx)
	require.ErrorIs(t, err, ErrNoActiveScene)
}

func TestStageChoose(t *testing.T) {
	stage, _ := newTestStage(t)
	ctx := context.Background()

	_, err := stage.Choose(ctx, "tour")
	require.ErrorIs(t, err, ErrNoActiveScene)

	_, err = stage.Start(ctx, "visitor", "channel-1", "user-1")
	require.NoError(t, err)

	// not waiting for a choice yet
	_, err = stage.Choose(ctx, "tour")
	require.ErrorIs(t, err, ErrNoChoicePending)

	_, err = stage.Advance(ctx)
	require.NoError(t, err)
	_, err = stage.Advance(ctx)
	require.NoError(t, err)

	_, err = stage.Choose(ctx, "swim")
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown choice: "swim"`)

	playback, err := stage.Choose(ctx, "rest")
	require.NoError(t, err)
	assert.Equal(t, "rest", playback.CurrentNode)
	assert.Equal(t, "Boots", playback.NextSpeaker)
}

func TestStageStop(t *testing.T) {
	stage, _ := newTestStage(t)
	ctx := context.Background()

	_, err := stage.Stop(ctx)
	require.ErrorIs(t, err, ErrNoActiveScene)

	_, err = stage.Start(ctx, "visitor", "channel-1", "user-1")
	require.NoError(t, err)

	playback, err := stage.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, playback.Active)
	assert.NotZero(t, playback.StoppedAt)
	assert.Zero(t, playback.EndedAt)

	_, err = stage.ActivePlayback(ctx)
	require.ErrorIs(t, err, ErrNoActiveScene)
}

func TestStageStatus(t *testing.T) {
	stage, _ := newTestStage(t)
	ctx := context.Background()

	status, err := stage.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Empty(t, status.Scene)

	_, err = stage.Start(ctx, "visitor", "channel-1", "user-1")
	require.NoError(t, err)

	status, err = stage.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, "visitor", status.Scene)
	assert.Equal(t, SceneStartNode, status.CurrentNode)
	assert.Equal(t, "Piper", status.NextSpeaker)
	assert.False(t, status.WaitingForChoice)
	assert.Empty(t, status.Choices)

	_, err = stage.Advance(ctx)
	require.NoError(t, err)
	_, err = stage.Advance(ctx)
	require.NoError(t, err)

	status, err = stage.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.WaitingForChoice)
	assert.Equal(t, []string{"rest", "tour"}, status.Choices)

	_, err = stage.Stop(ctx)
	require.NoError(t, err)

	status, err = stage.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, "visitor", status.Scene)
	assert.NotZero(t, status.StoppedAt)
}
