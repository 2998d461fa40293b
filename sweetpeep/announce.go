package sweetpeep

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	// announcementTimeLayout is the accepted format for announcement
	// times, interpreted in the announcement's timezone.
	announcementTimeLayout = "2006-01-02 15:04"

	// announcementDateLayout is the accepted format for announcement
	// date filters.
	announcementDateLayout = "2006-01-02"
)

var (
	columnAnnouncementSent   = "sent"
	columnAnnouncementSentAt = "sent_at"
	columnAnnouncementSendAt = "send_at"
	columnAnnouncementError  = "error"

	// ErrAnnouncementInPast is returned when scheduling an announcement
	// for a time that has already passed.
	ErrAnnouncementInPast = errors.New("announcement time is in the past")

	// ErrQueueFull is returned when the pending announcement queue is
	// at capacity.
	ErrQueueFull = errors.New("announcement queue is full")
)

// Announcement is a message scheduled for future delivery to a channel.
//
//nolint:lll // struct tags can't be split
type Announcement struct {
	ModelUintID
	ModelUnixTime

	// Message content, sent verbatim (after any role mention)
	Message string `json:"message" gorm:"type:string;not null" binding:"required,max=2000"`

	// ImageURL, if set, is attached as an embed image
	ImageURL string `json:"image_url" gorm:"type:string" binding:"omitempty,url"`

	// ChannelID the announcement is delivered to
	ChannelID string `json:"channel_id" gorm:"type:string;not null"`

	// SendAt is the next delivery time, in unix milliseconds UTC
	SendAt int64 `json:"send_at" gorm:"column:send_at;not null"`

	// TimeSpec is the time as originally entered (e.g. '2025-12-01 18:00')
	TimeSpec string `json:"time_spec" gorm:"type:string"`

	// Timezone is the IANA timezone name the time was entered in
	Timezone string `json:"timezone" gorm:"type:string"`

	// Recurring announcements are rescheduled a week later after each
	// delivery instead of being marked sent
	Recurring bool `json:"recurring" gorm:"not null;default:false"`

	// CreatedBy is the Discord user ID that scheduled the announcement
	CreatedBy string `json:"created_by" gorm:"type:string"`

	// Sent is set once the announcement has been delivered (or delivery
	// permanently failed, see Error)
	Sent   bool  `json:"sent" gorm:"not null;default:false"`
	SentAt int64 `json:"sent_at" gorm:"column:sent_at"`

	// Error records a delivery failure. Failed announcements are marked
	// sent so they aren't retried forever.
	Error NullableString `json:"error"`
}

func (a Announcement) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(a.ID)),
		slog.String("channel_id", a.ChannelID),
		slog.Int64("send_at", a.SendAt),
		slog.Bool("recurring", a.Recurring),
		slog.Bool("sent", a.Sent),
	)
}

// SendTime returns the delivery time as a time.Time.
func (a Announcement) SendTime() time.Time {
	return time.UnixMilli(a.SendAt).UTC()
}

// Due reports whether the announcement should be delivered at the
// given time.
func (a Announcement) Due(now time.Time) bool {
	return !a.Sent && a.SendAt <= now.UnixMilli()
}

// parseAnnouncementTime resolves a 'YYYY-MM-DD HH:MM' spec entered in
// the named IANA timezone to UTC.
func parseAnnouncementTime(spec string, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}
	t, err := time.ParseInLocation(announcementTimeLayout, strings.TrimSpace(spec), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf(
			"invalid time %q (expected YYYY-MM-DD HH:MM): %w", spec, err,
		)
	}
	return t.UTC(), nil
}

// nextWeeklyOccurrence advances t by whole weeks until it's after now.
// Steps are calendar weeks in the given location, so an announcement
// entered as "Friday at 18:00" stays at 18:00 local across DST changes.
// Recurring announcements that were missed while offline resume on
// their original weekly cadence rather than firing repeatedly.
func nextWeeklyOccurrence(t time.Time, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	next := t.In(loc)
	for !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next.UTC()
}

// announcementLocation resolves the announcement's stored timezone,
// falling back to UTC if it's missing or no longer loads.
func (a Announcement) announcementLocation() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// announcementsOnDay filters announcements to those delivered on the
// given date, where each announcement's date is taken in its own
// timezone.
func announcementsOnDay(announcements []Announcement, day string) ([]Announcement, error) {
	d, err := time.Parse(announcementDateLayout, strings.TrimSpace(day))
	if err != nil {
		return nil, fmt.Errorf(
			"invalid date %q (expected YYYY-MM-DD): %w", day, err,
		)
	}
	want := d.Format(announcementDateLayout)
	var matched []Announcement
	for _, a := range announcements {
		local := a.SendTime().In(a.announcementLocation())
		if local.Format(announcementDateLayout) == want {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// announcementHeap implements heap.Interface, ordered by send time.
type announcementHeap []*Announcement

func (h announcementHeap) Len() int { return len(h) }

func (h announcementHeap) Less(i, j int) bool {
	return h[i].SendAt < h[j].SendAt
}

func (h announcementHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *announcementHeap) Push(x any) {
	*h = append(*h, x.(*Announcement))
}

func (h *announcementHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// announcementQueue is an in-memory priority queue of pending
// announcements, ordered by delivery time. It mirrors the unsent rows
// in the database; the scheduler refreshes it from the DB and pops due
// entries each tick.
type announcementQueue struct {
	mu     sync.Mutex
	queue  announcementHeap
	size   int
	logger *slog.Logger
}

func newAnnouncementQueue(size int, logger *slog.Logger) *announcementQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &announcementQueue{
		size:   size,
		logger: logger.With(loggerNameKey, "announcement_queue"),
	}
	heap.Init(&q.queue)
	return q
}

// Push adds an announcement to the pending queue. Returns ErrQueueFull
// when the queue is at capacity.
func (q *announcementQueue) Push(a *Announcement) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if a.Sent {
		return nil
	}
	if q.size > 0 && len(q.queue) >= q.size {
		return ErrQueueFull
	}
	heap.Push(&q.queue, a)
	return nil
}

// Pop removes and returns the next announcement due at the given time,
// or nil if nothing is due.
func (q *announcementQueue) Pop(now time.Time) *Announcement {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	if !q.queue[0].Due(now) {
		return nil
	}
	return heap.Pop(&q.queue).(*Announcement)
}

// Remove drops the announcement with the given ID from the queue, if
// present. Used when an announcement is canceled.
func (q *announcementQueue) Remove(id uint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.queue {
		if a.ID == id {
			heap.Remove(&q.queue, i)
			return true
		}
	}
	return false
}

// Clear empties the queue, returning the number of entries removed.
func (q *announcementQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := len(q.queue)
	q.queue = announcementHeap{}
	heap.Init(&q.queue)
	return removed
}

func (q *announcementQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// AnnouncementCreate is the payload for scheduling an announcement,
// from either the /announce command or the API.
type AnnouncementCreate struct {
	Message   string `json:"message" binding:"required,max=2000"`
	TimeSpec  string `json:"time" binding:"required"`
	Timezone  string `json:"timezone" binding:"required"`
	ChannelID string `json:"channel_id"`
	ImageURL  string `json:"image_url" binding:"omitempty,url"`
	Recurring bool   `json:"recurring"`
}

// AnnouncementUpdate is the partial-update payload for editing a
// pending announcement, from either the /editannouncement command or
// the API. Only non-nil fields are applied.
type AnnouncementUpdate struct {
	Message   *string `json:"message,omitempty" binding:"omitempty,max=2000"`
	TimeSpec  *string `json:"time,omitempty"`
	Timezone  *string `json:"timezone,omitempty"`
	ChannelID *string `json:"channel_id,omitempty"`
	ImageURL  *string `json:"image_url,omitempty" binding:"omitempty,url"`
	Recurring *bool   `json:"recurring,omitempty"`
}

// Announcer schedules and delivers announcements. Deliveries go out
// through the coordinator's Discord session; scheduling state lives in
// the database with an in-memory queue in front of it.
type Announcer struct {
	sp     *SweetPeep
	queue  *announcementQueue
	logger *slog.Logger

	metricSent   atomic.Int64
	metricFailed atomic.Int64
}

func newAnnouncer(sp *SweetPeep) *Announcer {
	logger := sp.logger.With(loggerNameKey, "announcer")
	return &Announcer{
		sp:     sp,
		queue:  newAnnouncementQueue(sp.config.Announcements.QueueSize, logger),
		logger: logger,
	}
}

// Schedule validates and persists a new announcement, and queues it
// for delivery.
func (an *Announcer) Schedule(
	ctx context.Context,
	req AnnouncementCreate,
	createdBy string,
) (*Announcement, error) {
	sendAt, err := parseAnnouncementTime(req.TimeSpec, req.Timezone)
	if err != nil {
		return nil, err
	}
	if !sendAt.After(time.Now().UTC()) {
		return nil, ErrAnnouncementInPast
	}

	channelID := req.ChannelID
	if channelID == "" {
		channelID = an.sp.config.Discord.AnnouncementChannelID
	}
	if channelID == "" {
		return nil, errors.New("no announcement channel configured")
	}

	a := &Announcement{
		Message:   req.Message,
		ImageURL:  req.ImageURL,
		ChannelID: channelID,
		SendAt:    sendAt.UnixMilli(),
		TimeSpec:  req.TimeSpec,
		Timezone:  req.Timezone,
		Recurring: req.Recurring,
		CreatedBy: createdBy,
	}
	if _, err = an.sp.writeDB.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("error saving announcement: %w", err)
	}
	if err = an.queue.Push(a); err != nil {
		an.logger.WarnContext(
			ctx,
			"announcement saved but not queued",
			"announcement", a,
			tint.Err(err),
		)
	}
	an.logger.InfoContext(ctx, "scheduled announcement", "announcement", a)
	return a, nil
}

// Cancel marks an unsent announcement as sent without delivering it,
// and removes it from the queue.
func (an *Announcer) Cancel(ctx context.Context, id uint) error {
	var a Announcement
	err := an.sp.db.WithContext(ctx).First(&a, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("announcement %d not found", id)
		}
		return err
	}
	if a.Sent {
		return fmt.Errorf("announcement %d was already sent", id)
	}
	_, err = an.sp.writeDB.Updates(
		ctx, &a, map[string]any{
			columnAnnouncementSent:   true,
			columnAnnouncementSentAt: time.Now().UTC().UnixMilli(),
			columnAnnouncementError:  NullableString("canceled"),
		},
	)
	if err != nil {
		return err
	}
	an.queue.Remove(id)
	an.logger.InfoContext(ctx, "canceled announcement", "announcement", a)
	return nil
}

// Edit applies a partial update to an unsent announcement. Changing the
// time or timezone reschedules the delivery; everything else is
// replaced as-is. The queue entry is refreshed to match.
func (an *Announcer) Edit(
	ctx context.Context,
	id uint,
	req AnnouncementUpdate,
) (*Announcement, error) {
	var a Announcement
	err := an.sp.db.WithContext(ctx).First(&a, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("announcement %d not found", id)
		}
		return nil, err
	}
	if a.Sent {
		return nil, fmt.Errorf("announcement %d was already sent", id)
	}

	updates := map[string]any{}
	if req.Message != nil {
		a.Message = *req.Message
		updates["message"] = a.Message
	}
	if req.ImageURL != nil {
		a.ImageURL = *req.ImageURL
		updates["image_url"] = a.ImageURL
	}
	if req.ChannelID != nil {
		a.ChannelID = *req.ChannelID
		updates["channel_id"] = a.ChannelID
	}
	if req.Recurring != nil {
		a.Recurring = *req.Recurring
		updates["recurring"] = a.Recurring
	}
	if req.TimeSpec != nil || req.Timezone != nil {
		if req.TimeSpec != nil {
			a.TimeSpec = *req.TimeSpec
		}
		if req.Timezone != nil {
			a.Timezone = *req.Timezone
		}
		sendAt, parseErr := parseAnnouncementTime(a.TimeSpec, a.Timezone)
		if parseErr != nil {
			return nil, parseErr
		}
		if !sendAt.After(time.Now().UTC()) {
			return nil, ErrAnnouncementInPast
		}
		a.SendAt = sendAt.UnixMilli()
		updates["time_spec"] = a.TimeSpec
		updates["timezone"] = a.Timezone
		updates[columnAnnouncementSendAt] = a.SendAt
	}
	if len(updates) == 0 {
		return &a, nil
	}

	if _, err = an.sp.writeDB.Updates(ctx, &a, updates); err != nil {
		return nil, fmt.Errorf("error updating announcement: %w", err)
	}
	an.queue.Remove(a.ID)
	if err = an.queue.Push(&a); err != nil {
		an.logger.WarnContext(
			ctx,
			"announcement updated but not requeued",
			"announcement", a,
			tint.Err(err),
		)
	}
	an.logger.InfoContext(ctx, "updated announcement", "announcement", a)
	return &a, nil
}

// Pending returns unsent announcements, soonest first.
func (an *Announcer) Pending(ctx context.Context) ([]Announcement, error) {
	var pending []Announcement
	err := an.sp.db.WithContext(ctx).Where(
		"sent = ?", false,
	).Order("send_at asc").Find(&pending).Error
	return pending, err
}

// refresh rebuilds the queue from unsent rows in the database. Called
// at startup and when another process may have changed the schedule.
func (an *Announcer) refresh(ctx context.Context) error {
	pending, err := an.Pending(ctx)
	if err != nil {
		return fmt.Errorf("error loading pending announcements: %w", err)
	}
	an.queue.Clear()
	for i := range pending {
		a := pending[i]
		if err = an.queue.Push(&a); err != nil {
			an.logger.WarnContext(
				ctx,
				"couldn't queue pending announcement",
				"announcement", a,
				tint.Err(err),
			)
		}
	}
	an.logger.InfoContext(
		ctx,
		"refreshed announcement queue",
		"pending", an.queue.Len(),
	)
	return nil
}

// Run delivers due announcements until the context is canceled. An
// initial pass catches up anything that came due while offline.
func (an *Announcer) Run(ctx context.Context) {
	if err := an.refresh(ctx); err != nil {
		an.logger.ErrorContext(ctx, "error refreshing queue", tint.Err(err))
	}
	an.deliverDue(ctx)

	interval := an.sp.config.Announcements.CheckInterval
	if interval <= 0 {
		interval = DefaultAnnouncementCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			an.logger.Info("announcement scheduler stopped")
			return
		case <-ticker.C:
			an.deliverDue(ctx)
		}
	}
}

// deliverDue pops and delivers every announcement due right now.
func (an *Announcer) deliverDue(ctx context.Context) {
	if an.sp.paused.Load() {
		return
	}
	now := time.Now().UTC()
	for {
		a := an.queue.Pop(now)
		if a == nil {
			return
		}
		an.deliver(ctx, a)
	}
}

// deliver sends a single announcement. Successful recurring deliveries
// are rescheduled a week out; failures are marked sent with the error
// recorded, so a bad channel or revoked permission doesn't retry
// forever.
func (an *Announcer) deliver(ctx context.Context, a *Announcement) {
	log := an.logger.With("announcement", a)

	content := a.Message
	config := an.sp.RuntimeConfig()
	if config.AnnouncementMentionRoleID != "" {
		content = fmt.Sprintf(
			"<@&%s> %s", config.AnnouncementMentionRoleID, a.Message,
		)
	}

	msg := &discordgo.MessageSend{Content: content}
	if a.ImageURL != "" {
		msg.Embed = &discordgo.MessageEmbed{
			Image: &discordgo.MessageEmbedImage{URL: a.ImageURL},
		}
	}

	_, sendErr := an.sp.discord.session.ChannelMessageSendComplex(a.ChannelID, msg)

	now := time.Now().UTC()
	if sendErr != nil {
		an.metricFailed.Add(1)
		log.ErrorContext(ctx, "error delivering announcement", tint.Err(sendErr))
		_, updErr := an.sp.writeDB.Updates(
			ctx, a, map[string]any{
				columnAnnouncementSent:   true,
				columnAnnouncementSentAt: now.UnixMilli(),
				columnAnnouncementError:  NullableString(sendErr.Error()),
			},
		)
		if updErr != nil {
			log.ErrorContext(ctx, "error marking failed announcement", tint.Err(updErr))
		}
		return
	}

	an.metricSent.Add(1)
	log.InfoContext(ctx, "delivered announcement")

	if a.Recurring {
		next := nextWeeklyOccurrence(a.SendTime(), now, a.announcementLocation())
		a.SendAt = next.UnixMilli()
		_, updErr := an.sp.writeDB.Updates(
			ctx, a, map[string]any{columnAnnouncementSendAt: a.SendAt},
		)
		if updErr != nil {
			log.ErrorContext(ctx, "error rescheduling announcement", tint.Err(updErr))
			return
		}
		if err := an.queue.Push(a); err != nil {
			log.WarnContext(ctx, "couldn't requeue recurring announcement", tint.Err(err))
		}
		log.InfoContext(ctx, "rescheduled recurring announcement", "next", next)
		return
	}

	_, updErr := an.sp.writeDB.Updates(
		ctx, a, map[string]any{
			columnAnnouncementSent:   true,
			columnAnnouncementSentAt: now.UnixMilli(),
		},
	)
	if updErr != nil {
		log.ErrorContext(ctx, "error marking announcement sent", tint.Err(updErr))
	}
}
