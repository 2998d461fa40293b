package sweetpeep

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	customIDFormat                            = "%s:%s"
	dbTypeSQLite                              = "sqlite"
	dbTypePostgres                            = "postgres"
	postgresNotifyChannelRuntimeConfigUpdated = "sweetpeep_reload_runtime_config"
	postgresNotifyChannelReloadMemberCache    = "sweetpeep_reload_member_cache"
	postgresNotifyChannelMemberUpdated        = "sweetpeep_member_updated"
	postgresNotifyChannelPlaybackUpdated      = "sweetpeep_playback_updated"
	postgresNotifyChannelStop                 = "sweetpeep_stop"
	recordSeparator                           = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma mmap_size = 8000000000;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database encapsulates the GORM connection, member caching and write
// synchronization. It implements the DBI interface.
//
// With SQLite, writes are serialized behind a mutex (single-writer).
// With PostgreSQL, concurrent writes are enabled and the mutex is a no-op.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	memberCache            map[string]*Member
	cacheMu                sync.Mutex
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given
// GORM connection. If log is nil, the default logger is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	d := &database{
		db:                     db,
		memberCache:            map[string]*Member{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
	return d
}

func (d *database) MemberCache() map[string]*Member {
	return d.memberCache
}

func (d *database) MemberCacheLock() {
	d.cacheMu.Lock()
}

func (d *database) MemberCacheUnlock() {
	d.cacheMu.Unlock()
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// LoadMembers resets the member cache and populates it from
// all [Member] records.
func (d *database) LoadMembers() []Member {
	d.memberCache = map[string]*Member{}

	var members []Member
	_ = d.db.Find(&members)
	for i := 0; i < len(members); i++ {
		m := members[i]
		d.memberCache[m.ID] = &m
	}
	return members
}

func (d *database) GetMember(memberID string) *Member {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.memberCache[memberID]
}

func (d *database) ReloadMember(memberID string) *Member {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var member Member
	if err := d.db.Where("id = ?", memberID).Last(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			delete(d.memberCache, memberID)
		}
		return nil
	}
	d.memberCache[memberID] = &member

	return &member
}

// GetOrCreateMember retrieves a member from the cache or the database,
// and creates a new member record if one does not exist.
func (d *database) GetOrCreateMember(
	ctx context.Context,
	sp *SweetPeep,
	u discordgo.User,
) (*Member, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}

	if member, cached := d.memberCache[u.ID]; cached {
		member.LastSeen = time.Now().UTC().UnixMilli()
		updates := map[string]any{columnMemberLastSeen: member.LastSeen}

		if member.changedDiscordUsername(u) {
			log.Info(
				"member changed username since last seen",
				slog.Group(
					"old",
					"username", member.Username,
					"global_name", member.GlobalName,
				),
				slog.Group(
					"new",
					"username", u.Username,
					"global_name", u.GlobalName,
				),
			)
			member.Username = u.Username
			member.GlobalName = u.GlobalName
			updates[columnMemberUsername] = u.Username
			updates[columnMemberGlobalName] = u.GlobalName
		}
		if _, err := d.Updates(context.TODO(), member, updates); err != nil {
			log.Error("error updating member", "member", member, tint.Err(err))
		}
		return member, false, nil
	}

	log.InfoContext(ctx, "creating new member", "member", u)
	member, _ := NewMember(u)

	_, err := d.Create(ctx, member)
	if err != nil {
		log.Error("error creating member", "member", member, tint.Err(err))
		return nil, true, err
	}

	d.memberCache[u.ID] = member
	return member, true, nil
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// PlaybackUpdates applies updates to a [ScenePlayback] record.
func (d *database) PlaybackUpdates(
	ctx context.Context,
	model *ScenePlayback,
	values any,
) (rowsAffected int64, err error) {
	return d.Updates(ctx, model, values)
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Transaction(fc, opts...)
	return rv
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	if len(omit) > 0 {
		rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	rv := d.db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// Duration is a wrapper for time.Duration that implements
// SQL Scanner and Valuer interfaces for GORM.
type Duration struct {
	time.Duration
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Duration) parse(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	// Remove quotes
	s = s[1 : len(s)-1]
	return d.parse(s)
}

// MarshalJSON implements the json.Marshaller interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`%q`, d.String())), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (Duration) GormDataType() string {
	return "string"
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	// MemberCacheLock locks the in-memory Member cache
	MemberCacheLock()

	// MemberCacheUnlock unlocks the in-memory Member cache
	MemberCacheUnlock()

	// MemberCache returns the in-memory cache of Member objects
	MemberCache() map[string]*Member

	Lock()
	Unlock()

	DB() *gorm.DB
	LoadMembers() []Member
	GetMember(memberID string) *Member
	ReloadMember(memberID string) *Member
	GetOrCreateMember(ctx context.Context, sp *SweetPeep, u discordgo.User) (*Member, bool, error)
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	PlaybackUpdates(ctx context.Context, model *ScenePlayback, values any) (
		rowsAffected int64,
		err error,
	)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and performs auto-migration.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Member{},
		&ScenePlayback{},
		&Announcement{},
		&Birthday{},
		&WelcomeLog{},
		&RuntimeConfig{},
		&InteractionLog{},
		&DiscordMessage{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, err
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier defines the interface for notifying bot instances of database
// changes and other events. When characters run as separate processes
// against a shared PostgreSQL database, LISTEN/NOTIFY carries scene
// playback and config updates between them.
type DBNotifier interface {
	MemberCacheChannelName() string

	// ReloadMemberCache sends a notification to bot instances to fully
	// reload their member cache
	ReloadMemberCache(context.Context) bool

	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig sends a notification to bot instances to
	// reload their runtime configuration from the DB
	ReloadRuntimeConfig(context.Context) bool

	MemberUpdateChannelName() string

	// MemberUpdated sends a notification to bot instances that a member
	// record has been updated, and should be reloaded.
	MemberUpdated(ctx context.Context, memberID string) bool

	PlaybackChannelName() string

	// PlaybackUpdated sends a notification that the active scene playback
	// has changed, waking character workers immediately rather than
	// waiting for the next tick.
	PlaybackUpdated(ctx context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(sp *SweetPeep) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := sp.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch sp.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:         log,
			sp:             sp,
			sqliteNotifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			sp:         sp,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

// sqliteNotifier forwards notifications over in-process channels. With
// SQLite there's only a single process, so there's nothing to LISTEN to.
type sqliteNotifier struct {
	logger         *slog.Logger
	sp             *SweetPeep
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.sp.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (sqliteNotifier) MemberUpdateChannelName() string {
	return ""
}

func (s *sqliteNotifier) MemberUpdated(ctx context.Context, memberID string) bool {
	s.logger.Info("got member update notification", "member_id", memberID)
	select {
	case s.sp.triggerMemberUpdatedRefreshCh <- memberID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending member refresh", "member_id", memberID)
		return false
	}
	return true
}

func (sqliteNotifier) PlaybackChannelName() string {
	return ""
}

func (s *sqliteNotifier) PlaybackUpdated(ctx context.Context) bool {
	s.logger.Debug("got playback update notification")
	sent := true
	for _, ch := range s.sp.playbackWakeChannels() {
		select {
		case ch <- true:
		//
		case <-ctx.Done():
			s.logger.Warn("timeout sending playback wake signal")
			sent = false
		default:
			// worker already has a wake pending
		}
	}
	return sent
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	select {
	case s.sp.triggerRuntimeConfigRefreshCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ReloadMemberCache(ctx context.Context) bool {
	s.logger.Info("got member cache reload notification")
	select {
	case s.sp.triggerMemberCacheRefreshCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending member cache refresh signal")
	}
	return true
}

func (sqliteNotifier) MemberCacheChannelName() string {
	return ""
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

type postgresNotifier struct {
	sp         *SweetPeep
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) MemberCacheChannelName() string {
	return postgresNotifyChannelReloadMemberCache
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) MemberUpdateChannelName() string {
	return postgresNotifyChannelMemberUpdated
}

func (postgresNotifier) PlaybackChannelName() string {
	return postgresNotifyChannelPlaybackUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) notify(ctx context.Context, channel, payload string) bool {
	notifyErr := p.sp.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY",
			tint.Err(notifyErr),
			"channel", channel,
		)
		return false
	}
	p.logger.Info(
		"sent notification",
		"pg_notify_id", p.ID(),
		"channel", channel,
	)
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.ID())
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.ID())
}

func (p *postgresNotifier) ReloadMemberCache(ctx context.Context) bool {
	sent := p.notify(ctx, p.MemberCacheChannelName(), p.ID())

	select {
	case p.sp.triggerMemberCacheRefreshCh <- true:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending member cache refresh signal")
	}

	return sent
}

func (p *postgresNotifier) MemberUpdated(ctx context.Context, memberID string) bool {
	msg := newMemberUpdatedNotificationMessage(p.ID(), memberID)
	return p.notify(ctx, p.MemberUpdateChannelName(), msg)
}

func (p *postgresNotifier) PlaybackUpdated(ctx context.Context) bool {
	sent := p.notify(ctx, p.PlaybackChannelName(), p.ID())

	// wake local workers directly, the NOTIFY only reaches other processes
	for _, ch := range p.sp.playbackWakeChannels() {
		select {
		case ch <- true:
		default:
		}
	}
	return sent
}

// Listen blocks on a PostgreSQL LISTEN channel, forwarding notifications
// to the appropriate trigger channel until ctx is canceled.
func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.sp.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		if notification.Payload == p.ID() && channel != p.MemberUpdateChannelName() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload",
				notification.Payload,
			)
			continue
		}

		switch channel {
		case p.MemberCacheChannelName():
			select {
			case p.sp.triggerMemberCacheRefreshCh <- true:
				logger.Info("sent cache refresh signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending cache refresh signal")
			}
		case p.RuntimeConfigChannelName():
			select {
			case p.sp.triggerRuntimeConfigRefreshCh <- true:
				logger.Info("sent runtime config refresh signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending config refresh signal")
			}
		case p.MemberUpdateChannelName():
			notifierID, memberID := parseMemberUpdatedNotification(notification.Payload)
			if notifierID == p.ID() {
				logger.Info("Received member update notification from self, ignoring")
				continue
			}
			select {
			case p.sp.triggerMemberUpdatedRefreshCh <- memberID:
				logger.Info("sent signal to update member", "member_id", memberID)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending member refresh signal", "member_id", memberID)
			}
		case p.PlaybackChannelName():
			for _, ch := range p.sp.playbackWakeChannels() {
				select {
				case ch <- true:
				default:
				}
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.sp.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseMemberUpdatedNotification(s string) (notifierID, memberID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newMemberUpdatedNotificationMessage(notifierID string, memberID string) string {
	return strings.Join([]string{notifierID, memberID}, recordSeparator)
}
