package sweetpeep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/CurlyFG/SweetPeepMessenger/sweetpeep.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// SweetPeep is the main application struct for the coordinator bot.
// It owns the database, the scene library and stage, the announcement
// scheduler, birthday tracking, welcome messages, the admin API, and
// the Discord sessions for both the coordinator and the performing
// characters.
type SweetPeep struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [SweetPeep.db]
	// is that, when using sqlite, a mutex is used. Otherwise,
	// just use [SweetPeep.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles the coordinator's discord integration and session
	discord *Discord

	// The performing bot accounts, one per configured character
	characters []*Character

	// One worker per character, driving its scene participation
	characterWorkers []*characterWorker

	// Scene files loaded from disk
	sceneLibrary *SceneLibrary

	// Shared scene playback state
	stage *Stage

	// Scheduled announcement delivery
	announcer *Announcer

	// Birthday tracking and announcements
	birthdays *BirthdayTracker

	// Welcome messages for new members
	welcomer *Welcomer

	// Provides the back-end admin API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called. This happens
	// after:
	// - initializing database connections
	// - getting current state from the DB
	// - loading the scene library
	// - starting the API
	// - opening the coordinator and character discord sessions
	// - starting the character workers
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [SweetPeep.shutdown] function finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, scenes do not advance, announcements are held, and
	// commands are acknowledged but not acted on.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set.
	// If they haven't, Run will hold just after the init
	// process is done and the API has started, prior to opening
	// any discord sessions - this ensures the bot doesn't start
	// performing before it can be configured/stopped via the API.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is received, which returns an appropriate
	// InteractionHandler. This enables command execution to be tested
	// without a live gateway connection.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
	triggerMemberCacheRefreshCh   chan bool
	triggerMemberUpdatedRefreshCh chan string

	// playbackWakeChs receives a signal whenever the shared playback
	// state changes. Each character worker (and the coordinator's
	// choice prompt worker) registers a channel here.
	playbackWakeChs []chan bool
	playbackWakeMu  sync.Mutex
}

func (sp *SweetPeep) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = sp.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (sp *SweetPeep) RuntimeConfig() RuntimeConfig {
	sp.cfgMu.RLock()
	defer sp.cfgMu.RUnlock()
	return *sp.runtimeConfig
}

// sceneTickInterval returns the effective tick interval for character
// turn checks: the runtime override when set, otherwise the configured
// interval, otherwise the default.
func (sp *SweetPeep) sceneTickInterval() time.Duration {
	sp.cfgMu.RLock()
	cfg := sp.runtimeConfig
	sp.cfgMu.RUnlock()

	if cfg != nil && cfg.SceneTickInterval.Duration > 0 {
		return cfg.SceneTickInterval.Duration
	}
	if sp.config.Scenes != nil && sp.config.Scenes.TickInterval > 0 {
		return sp.config.Scenes.TickInterval
	}
	return DefaultSceneTickInterval
}

// registerPlaybackWakeChannel adds a channel to be signaled whenever
// the shared playback state changes.
func (sp *SweetPeep) registerPlaybackWakeChannel(ch chan bool) {
	sp.playbackWakeMu.Lock()
	defer sp.playbackWakeMu.Unlock()
	sp.playbackWakeChs = append(sp.playbackWakeChs, ch)
}

func (sp *SweetPeep) playbackWakeChannels() []chan bool {
	sp.playbackWakeMu.Lock()
	defer sp.playbackWakeMu.Unlock()
	chs := make([]chan bool, len(sp.playbackWakeChs))
	copy(chs, sp.playbackWakeChs)
	return chs
}

// triggerShutdown sends a stop signal to the main run loop.
func (sp *SweetPeep) triggerShutdown() {
	select {
	case sp.signalStop <- struct{}{}:
	default:
	}
}

// New creates and initializes a new SweetPeep instance: logging, the
// coordinator's Discord config, the performing characters, the scene
// library, the announcement scheduler, and the admin API.
//
// After calling New(), call Run() to start the bot.
func New(config *Config) (*SweetPeep, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	sp := &SweetPeep{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerMemberCacheRefreshCh:   make(chan bool, 1),
		triggerMemberUpdatedRefreshCh: make(chan string, 1),
	}

	sp.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     sp.config.LogLevel,
			AddSource: true,
		},
	)

	sp.logger = slog.New(sp.logHandler)
	slog.SetDefault(sp.logger)

	sp.config.Discord.httpClient = sp.config.HTTPClient

	disc, err := newDiscord(sp.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     sp.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     sp.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.sp = sp
	}
	sp.discord = disc

	seen := map[string]bool{}
	for _, charConfig := range sp.config.Characters {
		if seen[charConfig.Name] {
			errs = append(
				errs,
				fmt.Errorf("duplicate character name: %s", charConfig.Name),
			)
			continue
		}
		seen[charConfig.Name] = true
		character := &Character{
			config: charConfig,
			logger: sp.logger.With(
				loggerNameKey, "character",
				"character", charConfig.Name,
			),
			sendLimiter: rate.NewLimiter(
				characterSendsPerSecond,
				characterSendBurst,
			),
		}
		sp.characters = append(sp.characters, character)
		sp.characterWorkers = append(
			sp.characterWorkers,
			newCharacterWorker(sp, character),
		)
	}

	sceneDir := DefaultSceneDirectory
	if sp.config.Scenes != nil && sp.config.Scenes.Directory != "" {
		sceneDir = sp.config.Scenes.Directory
	}
	sp.sceneLibrary = NewSceneLibrary(sceneDir, sp.logger)

	sp.announcer = newAnnouncer(sp)
	sp.birthdays = newBirthdayTracker(sp)
	sp.welcomer = newWelcomer(sp)

	if config.API.Enabled {
		api, e := newAPI(sp, config.API)
		if e != nil {
			errs = append(errs, e)
		}
		sp.api = api
	}

	return sp, errors.Join(errs...)
}

func (sp *SweetPeep) ValidateConfig() error {
	return structValidator.Struct(sp.config)
}

// Run starts the main loop of the bot: the database, the admin API,
// the coordinator and character discord sessions, and the background
// workers. It blocks until the context is canceled or a stop signal
// is received, then shuts down gracefully.
func (sp *SweetPeep) Run(ctx context.Context) error {
	// prevents concurrent runs
	sp.runMu.Lock()
	defer sp.runMu.Unlock()

	sp.signalStop = make(chan struct{}, 1)
	sp.startedAt = time.Now()
	logger := sp.logger

	if err := sp.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(sp)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	sp.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.Any("config", sp.config),
	)
	if sp.signalReady == nil {
		sp.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sp.signalStop:
			sp.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			sp.logger.Warn("context canceled, sending stop signal")
			sp.signalStop <- struct{}{}
			return
		}
	}()

	if sp.api != nil {
		go func() {
			httpErr := sp.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				sp.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, sp.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- sp.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if sp.api != nil && sp.api.listener != nil {
				go func() {
					if e := sp.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := sp.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if discErr := sp.initDiscordSession(ctx, runtimeWG); discErr != nil {
		sp.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	sp.logger.InfoContext(ctx, "connecting to discord")
	if openErr := sp.discord.session.Open(); openErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(openErr))
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}

	if charErr := sp.initCharacterSessions(ctx); charErr != nil {
		return charErr
	}

	sp.startCharacterWorkers(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		startCh := make(chan struct{}, 1)
		go sp.choicePromptWorker(ctx, startCh)
		<-startCh
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		sp.announcer.Run(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		sp.birthdays.Run(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		sp.welcomer.catchUp(ctx)
	}()

	if sp.config.Scenes != nil && sp.config.Scenes.Watch {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if watchErr := sp.sceneLibrary.Watch(ctx); watchErr != nil {
				sp.logger.ErrorContext(ctx, "scene watcher stopped", tint.Err(watchErr))
			}
		}()
	}

	sp.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	sp.startMemberCacheRefresher(ctx, runtimeWG)
	sp.startMemberUpdatedListener(ctx, runtimeWG)
	sp.startNotifierListeners(ctx, runtimeWG)

	sp.signalReady <- struct{}{}
	sp.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	return sp.shutdown(ctx, runtimeWG)
}

// initRun initializes the database, loads (or creates) the runtime
// config, loads the scene library, and constructs the stage.
func (sp *SweetPeep) initRun(startCtx context.Context) error {
	sp.logger.Debug("initializing DB...")
	if err := sp.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	sp.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState RuntimeConfig

	getStateErr := sp.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			sp.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := sp.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		sp.pendingSetup.Store(true)
	}
	sp.paused.Store(botState.Paused)
	sp.setRuntimeLevels(botState)
	sp.runtimeConfig = &botState

	sp.stage = NewStage(
		sp.writeDB,
		sp.sceneLibrary,
		sp.dbNotifier,
		sp.logger,
	)

	loaded, loadErr := sp.sceneLibrary.Load()
	if loadErr != nil {
		sp.logger.Error("error loading scene library", tint.Err(loadErr))
	} else {
		sp.logger.Info("loaded scene library", "scenes", loaded)
	}
	return nil
}

// initDB opens the GORM connection, applies SQLite pragmas and
// connection limits, runs migrations, and loads the member cache.
func (sp *SweetPeep) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = sp.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     sp.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, sp.config.DatabaseSlowThreshold)
	db, err := getDB(sp.config.DatabaseType, sp.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	sp.db = db
	sp.writeDB = NewDatabase(db, nil, sp.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if sp.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if sqliteExecPragma != nil {
			pragmaErrors := make([]error, 0, len(sqliteExecPragma))
			for _, p := range sqliteExecPragma {
				pragmaErrors = append(
					pragmaErrors,
					db.WithContext(ctx).Exec(p).Error,
				)
			}
			pragmaErr := errors.Join(pragmaErrors...)
			if pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
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
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	_ = sp.writeDB.LoadMembers()
	return nil
}

// waitOnSetup blocks until admin credentials have been set via the
// API, when initial setup is pending.
func (sp *SweetPeep) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !sp.pendingSetup.Load() {
		return nil
	}

	listenAddr := sp.config.API.Listen
	if sp.api != nil && sp.api.listener != nil {
		listenAddr = sp.api.listener.Addr().String()
	}
	logger.WarnContext(
		ctx,
		fmt.Sprintf("pending initial setup at: %s%s", listenAddr, apiPathSetup),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if runtime config exists yet")
			getRuntimeStateErr := sp.db.Last(&runtimeState).Error
			if getRuntimeStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(getRuntimeStateErr),
				)
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return sp.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		sp.pendingSetup.Store(false)
	}

	return nil
}

// initDiscordSession sets up the coordinator's identify payload and
// gateway event handlers.
func (sp *SweetPeep) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := sp.logger.With(loggerNameKey, "discord_session")

	if sp.discord.session == nil {
		disc, discErr := sp.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		sp.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(sp.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range sp.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: sp.config.Discord.GatewayIntents}
	if sp.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: sp.RuntimeConfig().DiscordCustomStatus,
		}
	}
	sp.discord.session.SetIdentify(identify)

	sp.discord.discordgoRemoveHandlerFuncs = []func(){
		sp.discord.session.AddHandler(sp.discord.handlerConnect()),
		sp.discord.session.AddHandler(sp.discord.handlerDisconnect()),
		sp.discord.session.AddHandler(sp.discord.handlerReady()),
		sp.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := sp.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					sp.handleInteraction(ctx, handler)
				}()
			},
		),
		sp.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					sp.handleDiscordMessage(ctx, m)
				}()
			},
		),
		sp.discord.session.AddHandler(sp.welcomer.handleGuildMemberAdd),
	}

	if sp.getInteractionHandlerFunc == nil {
		sp.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			handler := GatewayHandler{
				session:     sp.discord.session,
				interaction: i,
				config:      sp.RuntimeConfig().CommandOptions,
				mu:          &sync.RWMutex{},
				logger: sp.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
			return handler
		}
	}
	return nil
}

// initCharacterSessions opens a gateway session for each performing
// character, so they appear online and can send dialogue. Sessions are
// opened concurrently; the first failure aborts startup.
func (sp *SweetPeep) initCharacterSessions(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, character := range sp.characters {
		if character.session != nil {
			continue
		}
		c := character
		g.Go(
			func() error {
				session, err := newDiscordSession(
					c.config.Token,
					c.logger,
					sp.config.Discord.DiscordGoLogLevel.Level(),
					sp.config.HTTPClient,
				)
				if err != nil {
					return fmt.Errorf(
						"error creating session for character %s: %w",
						c.config.Name,
						err,
					)
				}
				session.session.Identify.Intents = discordgo.IntentsGuilds
				c.session = session

				_ = session.AddHandler(
					func(_ *discordgo.Session, _ *discordgo.Connect) {
						c.connected.Store(true)
					},
				)
				_ = session.AddHandler(
					func(_ *discordgo.Session, _ *discordgo.Disconnect) {
						c.connected.Store(false)
					},
				)

				if err = c.session.Open(); err != nil {
					return fmt.Errorf(
						"error connecting character %s: %w",
						c.config.Name,
						err,
					)
				}
				sp.logger.InfoContext(
					ctx,
					"character connected",
					"character", c.config.Name,
				)
				return nil
			},
		)
	}
	return g.Wait()
}

// startCharacterWorkers launches one worker goroutine per character,
// waiting on each worker's start handshake.
func (sp *SweetPeep) startCharacterWorkers(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	for _, worker := range sp.characterWorkers {
		sp.registerPlaybackWakeChannel(worker.wakeCh)
		startCh := make(chan struct{}, 1)

		runtimeWG.Add(1)
		go func(w *characterWorker) {
			defer runtimeWG.Done()
			w.Run(ctx, startCh)
		}(worker)
		<-startCh
	}
}

// startRuntimeConfigRefresher starts the cache refresher goroutine. This
// periodically refreshes [RuntimeConfig] from the database.
func (sp *SweetPeep) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := sp.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case sp.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-sp.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					sp.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					sp.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (sp *SweetPeep) refreshRuntimeConfig(ctx context.Context, force bool) {
	sp.cfgMu.Lock()
	defer sp.cfgMu.Unlock()

	runtimeConfigTTL := sp.config.RuntimeConfigTTL
	rollbackConfig := sp.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := sp.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		sp.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		sp.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		sp.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		sp.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig refreshes the runtime configuration without
// locking the config mutex.
func (sp *SweetPeep) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	sp.logger.Info("refreshing runtime configuration")

	sp.paused.Store(existingConfig.Paused)
	switch {
	case existingConfig.Paused && !rollbackConfig.Paused:
		if discErr := sp.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); discErr != nil {
			sp.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case !existingConfig.Paused && rollbackConfig.Paused,
		existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
		if discErr := sp.discord.updateCustomStatus(
			existingConfig.DiscordCustomStatus,
		); discErr != nil {
			sp.logger.Error("error updating discord status", tint.Err(discErr))
		}
	}

	sp.runtimeConfig = existingConfig
	sp.setRuntimeLevels(*existingConfig)

	sp.logger.Info("refreshed runtime config")
}

func (sp *SweetPeep) startMemberCacheRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				sp.logger.Info("context canceled, stopping member cache refresher")
				return
			case <-sp.triggerMemberCacheRefreshCh:
				sp.logger.Info("reloading member cache")
				sp.refreshMemberCache(ctx)
				sp.logger.Info("finished reloading")
			}
		}
	}()
}

func (sp *SweetPeep) startMemberUpdatedListener(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				sp.logger.Info("context canceled, stopping member updated listener")
				return
			case memberID := <-sp.triggerMemberUpdatedRefreshCh:
				if memberID == "" {
					sp.logger.Warn("empty member ID received, skipping refresh")
					continue
				}
				sp.refreshMember(memberID)
			}
		}
	}()
}

func (sp *SweetPeep) refreshMember(memberID string) {
	sp.logger.Info("reloading member", "member_id", memberID)
	_ = sp.writeDB.ReloadMember(memberID)
	sp.logger.Info("reloaded member", "member_id", memberID)
}

func (sp *SweetPeep) refreshMemberCache(context.Context) {
	sp.writeDB.MemberCacheLock()
	defer sp.writeDB.MemberCacheUnlock()
	_ = sp.writeDB.LoadMembers()
}

// startNotifierListeners starts a LISTEN loop per notification channel.
// With SQLite these are no-ops; with PostgreSQL they carry playback,
// config, and member updates between processes.
func (sp *SweetPeep) startNotifierListeners(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	channels := []string{
		sp.dbNotifier.RuntimeConfigChannelName(),
		sp.dbNotifier.MemberCacheChannelName(),
		sp.dbNotifier.MemberUpdateChannelName(),
		sp.dbNotifier.PlaybackChannelName(),
		sp.dbNotifier.StopChannelName(),
	}
	for _, channel := range channels {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := sp.dbNotifier.Listen(ctx, ch); e != nil {
				sp.logger.ErrorContext(
					ctx,
					"error listening on channel",
					"channel", ch,
					tint.Err(e),
				)
			}
		}(channel)
	}
}

func (sp *SweetPeep) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	sp.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if sp.eventShutdown != nil {
			go func() {
				sp.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := sp.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		sp.logger.Warn("immediate shutdown")
		if sp.api != nil {
			go func() {
				_ = sp.api.httpServer.Close()
			}()
		}
		return fmt.Errorf("workers did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	sp.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", sp.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	sp.persistLastOnline()

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		for _, worker := range sp.characterWorkers {
			select {
			case worker.signalStop <- struct{}{}:
			default:
			}
		}

		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		sp.logger.InfoContext(
			ctx,
			"finished handling in-flight work",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopGroup := &errgroup.Group{}

		for _, character := range sp.characters {
			if character.session == nil {
				continue
			}
			c := character
			stopGroup.Go(
				func() error {
					sp.logger.InfoContext(
						ctx,
						"closing character session",
						"character", c.config.Name,
					)
					return c.session.Close()
				},
			)
		}

		if sp.api != nil && sp.api.httpServer != nil {
			stopGroup.Go(
				func() error {
					sp.logger.InfoContext(ctx, "stopping http server")
					err := sp.api.httpServer.Shutdown(closeCtx)
					sp.logger.InfoContext(ctx, "http server stopped")
					return err
				},
			)
		}

		if sp.discord.session != nil {
			stopGroup.Go(
				func() error {
					sp.logger.InfoContext(ctx, "closing discord session")
					err := sp.discord.session.Close()
					sp.logger.InfoContext(ctx, "discord session closed")
					if len(sp.discord.discordgoRemoveHandlerFuncs) > 0 {
						for _, h := range sp.discord.discordgoRemoveHandlerFuncs {
							h()
						}
						sp.logger.InfoContext(ctx, "finished removing handlers")
					}
					return err
				},
			)
		}

		// wait on the above, then send a signal that we're done
		go func() {
			sp.logger.InfoContext(ctx, "waiting graceful shutdown")
			if stopErr := stopGroup.Wait(); stopErr != nil {
				sp.logger.ErrorContext(
					ctx,
					"error stopping http/discord",
					tint.Err(stopErr),
				)
			}
			gracefulShutdownCh <- struct{}{}
			sp.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			sp.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			sp.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", remaining.String()),
			)
		case <-closeCtx.Done(): // timed out, force-close everything
			sp.logger.Warn("workers did not stop in time, forcing close")

			if sp.api != nil {
				go func() {
					_ = sp.api.httpServer.Close()
				}()
			}
			return fmt.Errorf("workers did not stop in time")
		}
	}
}

// persistLastOnline records the shutdown time, so the next startup can
// welcome members who joined while the bot was offline.
func (sp *SweetPeep) persistLastOnline() {
	sp.cfgMu.Lock()
	defer sp.cfgMu.Unlock()

	if sp.runtimeConfig == nil || sp.writeDB == nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()
	if _, err := sp.writeDB.Update(
		persistCtx,
		sp.runtimeConfig,
		columnRuntimeConfigLastOnline,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		sp.logger.Error("error persisting last online time", tint.Err(err))
	}
}

// setRuntimeLevels sets the logging levels for the bot's components
// based on the provided runtime configuration.
func (sp *SweetPeep) setRuntimeLevels(state RuntimeConfig) {
	sp.config.LogLevel.Set(state.LogLevel.Level())
	sp.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	sp.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	sp.config.API.LogLevel.Set(state.APILogLevel.Level())
	sp.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

// Pause 'pauses' the bot. While paused, scenes do not advance,
// announcements are held, and commands are acknowledged but not
// acted on. Returns false if the bot was already paused.
func (sp *SweetPeep) Pause(ctx context.Context) bool {
	prev := sp.paused.Swap(true)
	if prev {
		return false
	}

	if err := sp.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		sp.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !sp.runtimeConfig.Paused {
		if _, err := sp.writeDB.Update(
			ctx,
			sp.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			sp.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes scene playback and command processing. It returns a
// bool indicating whether the bot was paused when it was called.
func (sp *SweetPeep) Resume(ctx context.Context) bool {
	prev := sp.paused.Swap(false)
	if !prev {
		sp.logger.Warn("bot not paused")
		return false
	}
	sp.logger.InfoContext(ctx, "bot resumed")

	if err := sp.discord.updateCustomStatus(
		sp.runtimeConfig.DiscordCustomStatus,
	); err != nil {
		sp.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if sp.runtimeConfig.Paused {
		if _, err := sp.writeDB.Update(
			ctx, sp.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			sp.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	// wake the workers so a pending turn resumes immediately
	for _, ch := range sp.playbackWakeChannels() {
		select {
		case ch <- true:
		default:
		}
	}

	return true
}
