package sweetpeep

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnnouncementTime(t *testing.T) {
	sendAt, err := parseAnnouncementTime("2026-12-01 18:00", "UTC")
	require.NoError(t, err)
	assert.Equal(
		t,
		time.Date(2026, 12, 1, 18, 0, 0, 0, time.UTC),
		sendAt,
	)

	// entered times are interpreted in the given zone, returned in UTC
	sendAt, err = parseAnnouncementTime("2026-12-01 18:00", "America/Chicago")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, sendAt.Location())
	assert.Equal(
		t,
		time.Date(2026, 12, 2, 0, 0, 0, 0, time.UTC),
		sendAt,
	)

	// leading/trailing whitespace is tolerated
	_, err = parseAnnouncementTime(" 2026-12-01 18:00 ", "UTC")
	require.NoError(t, err)

	_, err = parseAnnouncementTime("2026-12-01 18:00", "Mars/Olympus_Mons")
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown timezone")

	_, err = parseAnnouncementTime("tomorrow at noon", "UTC")
	require.Error(t, err)
	assert.ErrorContains(t, err, "expected YYYY-MM-DD HH:MM")
}

func TestNextWeeklyOccurrence(t *testing.T) {
	base := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour

	// already in the future: unchanged
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base, nextWeeklyOccurrence(base, now, time.UTC))

	// one week later
	now = base.Add(time.Hour)
	assert.Equal(t, base.Add(week), nextWeeklyOccurrence(base, now, time.UTC))

	// missed several weeks while offline: resumes on the original cadence
	now = base.Add(3*week + time.Hour)
	assert.Equal(
		t,
		base.Add(4*week),
		nextWeeklyOccurrence(base, now, time.UTC),
	)

	// a nil location falls back to UTC
	assert.Equal(t, base, nextWeeklyOccurrence(base, now.Add(-4*week), nil))
}

func TestNextWeeklyOccurrenceAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Friday 18:00 EST, the week before US DST starts (2026-03-08)
	base := time.Date(2026, 3, 6, 18, 0, 0, 0, loc)
	now := base.Add(time.Hour).UTC()

	next := nextWeeklyOccurrence(base.UTC(), now, loc)

	// the local wall clock time is preserved, so the UTC instant
	// shifts by the DST hour rather than landing at 17:00 local
	local := next.In(loc)
	assert.Equal(t, 18, local.Hour())
	assert.Equal(t, time.Date(2026, 3, 13, 18, 0, 0, 0, loc).UTC(), next)
	assert.NotEqual(t, base.UTC().Add(7*24*time.Hour), next)
}

func TestAnnouncementsOnDay(t *testing.T) {
	chicago := func(y int, m time.Month, d, h int) int64 {
		loc, err := time.LoadLocation("America/Chicago")
		require.NoError(t, err)
		return time.Date(y, m, d, h, 0, 0, 0, loc).UnixMilli()
	}
	announcements := []Announcement{
		{
			ModelUintID: ModelUintID{ID: 1},
			SendAt:      chicago(2026, 12, 1, 18),
			Timezone:    "America/Chicago",
		},
		{
			ModelUintID: ModelUintID{ID: 2},
			SendAt:      chicago(2026, 12, 2, 9),
			Timezone:    "America/Chicago",
		},
		{
			// 2026-12-01 22:00 Chicago is already Dec 2 in UTC, but the
			// filter uses the announcement's own timezone
			ModelUintID: ModelUintID{ID: 3},
			SendAt:      chicago(2026, 12, 1, 22),
			Timezone:    "America/Chicago",
		},
	}

	matched, err := announcementsOnDay(announcements, "2026-12-01")
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, uint(1), matched[0].ID)
	assert.Equal(t, uint(3), matched[1].ID)

	matched, err = announcementsOnDay(announcements, "2026-12-03")
	require.NoError(t, err)
	assert.Empty(t, matched)

	_, err = announcementsOnDay(announcements, "soon")
	require.Error(t, err)
	assert.ErrorContains(t, err, "expected YYYY-MM-DD")
}

func TestAnnouncementDue(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Announcement{SendAt: now.Add(-time.Minute).UnixMilli()}
	assert.True(t, a.Due(now))

	a.SendAt = now.UnixMilli()
	assert.True(t, a.Due(now))

	a.SendAt = now.Add(time.Minute).UnixMilli()
	assert.False(t, a.Due(now))

	a.SendAt = now.Add(-time.Minute).UnixMilli()
	a.Sent = true
	assert.False(t, a.Due(now))
}

func TestAnnouncementQueueOrdering(t *testing.T) {
	q := newAnnouncementQueue(0, nil)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	first := &Announcement{
		ModelUintID: ModelUintID{ID: 1},
		SendAt:      now.Add(-2 * time.Hour).UnixMilli(),
	}
	second := &Announcement{
		ModelUintID: ModelUintID{ID: 2},
		SendAt:      now.Add(-time.Hour).UnixMilli(),
	}
	future := &Announcement{
		ModelUintID: ModelUintID{ID: 3},
		SendAt:      now.Add(time.Hour).UnixMilli(),
	}

	// push out of order
	require.NoError(t, q.Push(future))
	require.NoError(t, q.Push(second))
	require.NoError(t, q.Push(first))
	assert.Equal(t, 3, q.Len())

	popped := q.Pop(now)
	require.NotNil(t, popped)
	assert.Equal(t, first.ID, popped.ID)

	popped = q.Pop(now)
	require.NotNil(t, popped)
	assert.Equal(t, second.ID, popped.ID)

	// nothing else is due yet
	assert.Nil(t, q.Pop(now))
	assert.Equal(t, 1, q.Len())
}

func TestAnnouncementQueueFull(t *testing.T) {
	q := newAnnouncementQueue(2, nil)
	require.NoError(t, q.Push(&Announcement{ModelUintID: ModelUintID{ID: 1}}))
	require.NoError(t, q.Push(&Announcement{ModelUintID: ModelUintID{ID: 2}}))

	err := q.Push(&Announcement{ModelUintID: ModelUintID{ID: 3}})
	require.ErrorIs(t, err, ErrQueueFull)

	// sent announcements are silently skipped, even at capacity
	require.NoError(
		t,
		q.Push(&Announcement{ModelUintID: ModelUintID{ID: 4}, Sent: true}),
	)
	assert.Equal(t, 2, q.Len())
}

func newTestAnnouncer(t testing.TB) *Announcer {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Discord.AnnouncementChannelID = "announce-channel"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	db, err := CreateDB(ctx, dbTypeSQLite, cfg.Database)
	require.NoError(t, err)

	sp := &SweetPeep{
		config:  cfg,
		logger:  slog.Default(),
		db:      db,
		writeDB: NewDatabase(db, nil, false),
	}
	return newAnnouncer(sp)
}

func TestAnnouncerSchedule(t *testing.T) {
	an := newTestAnnouncer(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(24 * time.Hour)
	req := AnnouncementCreate{
		Message:  "Movie night!",
		TimeSpec: future.Format(announcementTimeLayout),
		Timezone: "UTC",
	}
	a, err := an.Schedule(ctx, req, "user-1")
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.Equal(t, "announce-channel", a.ChannelID)
	assert.Equal(t, "user-1", a.CreatedBy)
	assert.False(t, a.Sent)
	assert.Equal(t, 1, an.queue.Len())

	pending, err := an.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	// nothing is due yet
	assert.Nil(t, an.queue.Pop(time.Now().UTC()))
}

func TestAnnouncerSchedulePastTime(t *testing.T) {
	an := newTestAnnouncer(t)
	req := AnnouncementCreate{
		Message:  "Too late",
		TimeSpec: "2020-01-01 12:00",
		Timezone: "UTC",
	}
	_, err := an.Schedule(context.Background(), req, "user-1")
	require.ErrorIs(t, err, ErrAnnouncementInPast)
}

func TestAnnouncerCancel(t *testing.T) {
	an := newTestAnnouncer(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(24 * time.Hour)
	a, err := an.Schedule(
		ctx, AnnouncementCreate{
			Message:  "Canceled event",
			TimeSpec: future.Format(announcementTimeLayout),
			Timezone: "UTC",
		}, "user-1",
	)
	require.NoError(t, err)

	require.NoError(t, an.Cancel(ctx, a.ID))
	assert.Equal(t, 0, an.queue.Len())

	pending, err := an.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// canceling twice fails: already marked sent
	err = an.Cancel(ctx, a.ID)
	require.Error(t, err)
	assert.ErrorContains(t, err, "already sent")

	err = an.Cancel(ctx, 9999)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not found")
}

func TestAnnouncerEdit(t *testing.T) {
	an := newTestAnnouncer(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(24 * time.Hour)
	a, err := an.Schedule(
		ctx, AnnouncementCreate{
			Message:  "Movie night!",
			TimeSpec: future.Format(announcementTimeLayout),
			Timezone: "UTC",
		}, "user-1",
	)
	require.NoError(t, err)

	// partial update: only the message changes
	msg := "Game night!"
	updated, err := an.Edit(ctx, a.ID, AnnouncementUpdate{Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, "Game night!", updated.Message)
	assert.Equal(t, a.SendAt, updated.SendAt)
	assert.Equal(t, 1, an.queue.Len())

	pending, err := an.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Game night!", pending[0].Message)

	// rescheduling re-parses the time spec and requeues
	later := future.Add(48 * time.Hour)
	spec := later.Format(announcementTimeLayout)
	updated, err = an.Edit(ctx, a.ID, AnnouncementUpdate{TimeSpec: &spec})
	require.NoError(t, err)
	assert.Equal(t, spec, updated.TimeSpec)
	assert.Equal(t, 1, an.queue.Len())
	assert.Greater(t, updated.SendAt, a.SendAt)

	// moving an announcement into the past is rejected
	past := "2020-01-01 12:00"
	_, err = an.Edit(ctx, a.ID, AnnouncementUpdate{TimeSpec: &past})
	require.ErrorIs(t, err, ErrAnnouncementInPast)

	// no fields set is a no-op
	same, err := an.Edit(ctx, a.ID, AnnouncementUpdate{})
	require.NoError(t, err)
	assert.Equal(t, updated.SendAt, same.SendAt)

	_, err = an.Edit(ctx, 9999, AnnouncementUpdate{Message: &msg})
	require.Error(t, err)
	assert.ErrorContains(t, err, "not found")

	// sent announcements can no longer be edited
	require.NoError(t, an.Cancel(ctx, a.ID))
	_, err = an.Edit(ctx, a.ID, AnnouncementUpdate{Message: &msg})
	require.Error(t, err)
	assert.ErrorContains(t, err, "already sent")
}

func TestAnnouncementQueueRemove(t *testing.T) {
	q := newAnnouncementQueue(0, nil)
	require.NoError(t, q.Push(&Announcement{ModelUintID: ModelUintID{ID: 1}}))
	require.NoError(t, q.Push(&Announcement{ModelUintID: ModelUintID{ID: 2}}))

	assert.True(t, q.Remove(1))
	assert.False(t, q.Remove(1))
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 1, q.Clear())
	assert.Equal(t, 0, q.Len())
}
