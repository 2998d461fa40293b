package sweetpeep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnBirthdayLastAnnouncedYear = "last_announced_year"

	// ErrInvalidBirthday is returned for dates that don't parse as MM-DD
	ErrInvalidBirthday = errors.New("invalid birthday (expected MM-DD)")
)

// Birthday records a member's birthday as a month and day. Year isn't
// stored. One row per member; setting a new date replaces the old one.
type Birthday struct {
	ModelUintID
	ModelUnixTime

	MemberID string `json:"member_id" gorm:"uniqueIndex;not null"`
	Month    int    `json:"month" gorm:"not null" binding:"required,min=1,max=12"`
	Day      int    `json:"day" gorm:"not null" binding:"required,min=1,max=31"`

	// LastAnnouncedYear prevents re-announcing the same birthday after
	// a restart on the same day
	LastAnnouncedYear int `json:"-" gorm:"column:last_announced_year;default:0"`

	Member *Member `json:"-" gorm:"foreignKey:MemberID;references:ID"`
}

func (b Birthday) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("member_id", b.MemberID),
		slog.String("date", b.String()),
	)
}

func (b Birthday) String() string {
	return fmt.Sprintf("%02d-%02d", b.Month, b.Day)
}

// NextOccurrence returns the birthday's next calendar occurrence at or
// after the given time. Feb 29 birthdays fall on Mar 1 in common years
// (time.Date normalizes the overflow).
func (b Birthday) NextOccurrence(now time.Time) time.Time {
	next := time.Date(now.Year(), time.Month(b.Month), b.Day, 0, 0, 0, 0, now.Location())
	if next.Before(now.Truncate(24 * time.Hour)) {
		next = time.Date(now.Year()+1, time.Month(b.Month), b.Day, 0, 0, 0, 0, now.Location())
	}
	return next
}

// IsToday reports whether the birthday falls on the given date. Feb 29
// birthdays fall on Mar 1 in common years, matching NextOccurrence.
func (b Birthday) IsToday(now time.Time) bool {
	if int(now.Month()) == b.Month && now.Day() == b.Day {
		return true
	}
	return b.Month == 2 && b.Day == 29 &&
		now.Month() == time.March && now.Day() == 1 &&
		!isLeapYear(now.Year())
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// parseBirthday validates an MM-DD string. Day ranges are checked per
// month; Feb 29 is allowed.
func parseBirthday(s string) (month int, day int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return 0, 0, ErrInvalidBirthday
	}
	month, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, ErrInvalidBirthday
	}
	day, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, ErrInvalidBirthday
	}
	if month < 1 || month > 12 || day < 1 {
		return 0, 0, ErrInvalidBirthday
	}
	daysInMonth := []int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	if day > daysInMonth[month-1] {
		return 0, 0, ErrInvalidBirthday
	}
	return month, day, nil
}

// BirthdayTracker stores member birthdays and announces them on the
// day, checking once per interval (daily by default).
type BirthdayTracker struct {
	sp     *SweetPeep
	logger *slog.Logger
}

func newBirthdayTracker(sp *SweetPeep) *BirthdayTracker {
	return &BirthdayTracker{
		sp:     sp,
		logger: sp.logger.With(loggerNameKey, "birthdays"),
	}
}

// Set records (or replaces) a member's birthday.
func (bt *BirthdayTracker) Set(
	ctx context.Context,
	memberID string,
	date string,
) (*Birthday, error) {
	month, day, err := parseBirthday(date)
	if err != nil {
		return nil, err
	}

	var existing Birthday
	err = bt.sp.db.WithContext(ctx).Where(
		"member_id = ?", memberID,
	).First(&existing).Error
	switch {
	case err == nil:
		existing.Month = month
		existing.Day = day
		existing.LastAnnouncedYear = 0
		if _, err = bt.sp.writeDB.Save(ctx, &existing); err != nil {
			return nil, err
		}
		bt.logger.InfoContext(ctx, "updated birthday", "birthday", existing)
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		b := &Birthday{MemberID: memberID, Month: month, Day: day}
		if _, err = bt.sp.writeDB.Create(ctx, b); err != nil {
			return nil, err
		}
		bt.logger.InfoContext(ctx, "set birthday", "birthday", b)
		return b, nil
	default:
		return nil, err
	}
}

// Get returns a member's birthday, or nil if none is set.
func (bt *BirthdayTracker) Get(ctx context.Context, memberID string) (*Birthday, error) {
	var b Birthday
	err := bt.sp.db.WithContext(ctx).Where(
		"member_id = ?", memberID,
	).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Upcoming returns the next `limit` birthdays in calendar order from
// today, wrapping around the year boundary.
func (bt *BirthdayTracker) Upcoming(ctx context.Context, limit int) ([]Birthday, error) {
	var all []Birthday
	err := bt.sp.db.WithContext(ctx).Preload("Member").Find(&all).Error
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sort.SliceStable(
		all, func(i, j int) bool {
			return all[i].NextOccurrence(now).Before(all[j].NextOccurrence(now))
		},
	)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Run announces birthdays once per check interval until the context is
// canceled. An initial check runs immediately so birthdays aren't
// missed when the process starts mid-day.
func (bt *BirthdayTracker) Run(ctx context.Context) {
	interval := bt.sp.config.Birthdays.CheckInterval
	if interval <= 0 {
		interval = DefaultBirthdayCheckInterval
	}

	bt.announceToday(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			bt.logger.Info("birthday tracker stopped")
			return
		case <-ticker.C:
			bt.announceToday(ctx)
		}
	}
}

// announceToday sends a birthday message for each member whose
// birthday is today and hasn't been announced yet this year.
func (bt *BirthdayTracker) announceToday(ctx context.Context) {
	if bt.sp.paused.Load() {
		return
	}
	channelID := bt.sp.config.Discord.WelcomeChannelID
	if channelID == "" {
		channelID = bt.sp.config.Discord.AnnouncementChannelID
	}
	if channelID == "" {
		return
	}

	// Candidates are filtered in Go via IsToday so Feb 29 birthdays
	// are announced on Mar 1 in common years.
	now := time.Now().UTC()
	var candidates []Birthday
	err := bt.sp.db.WithContext(ctx).Where(
		"last_announced_year < ?", now.Year(),
	).Find(&candidates).Error
	if err != nil {
		bt.logger.ErrorContext(ctx, "error loading birthdays", tint.Err(err))
		return
	}

	for i := range candidates {
		b := candidates[i]
		if !b.IsToday(now) {
			continue
		}
		content := fmt.Sprintf(
			"🎂 Happy birthday, <@%s>! Wishing you a wonderful day!",
			b.MemberID,
		)
		_, sendErr := bt.sp.discord.session.ChannelMessageSend(channelID, content)
		if sendErr != nil {
			bt.logger.ErrorContext(
				ctx,
				"error sending birthday message",
				"birthday", b,
				tint.Err(sendErr),
			)
			continue
		}
		_, updErr := bt.sp.writeDB.Updates(
			ctx, &b, map[string]any{columnBirthdayLastAnnouncedYear: now.Year()},
		)
		if updErr != nil {
			bt.logger.ErrorContext(
				ctx,
				"error marking birthday announced",
				"birthday", b,
				tint.Err(updErr),
			)
			continue
		}
		bt.logger.InfoContext(ctx, "announced birthday", "birthday", b)
	}
}
