package sweetpeep

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathScenes           = "/scenes"
	apiPathScenesReload     = "/scenes/reload"
	apiPathSceneStatus      = "/scene/status"
	apiPathSceneStart       = "/scene/start"
	apiPathSceneStop        = "/scene/stop"
	apiPathSceneChoose      = "/scene/choose"
	apiPathAnnouncements    = "/announcements"
	apiPathAnnouncementByID = "/announcement/:id"
	apiPathBirthdays        = "/birthdays"
	apiPathMembers          = "/members"
	apiPathReloadMembers    = "/members/reload"
	apiPathUpdateMember     = "/member/:id"
	apiPathDiscordMessages  = "/discord_messages"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathGatewayBot       = "/discord/gateway/bot"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API is the admin backend for Sweet Peep: runtime config, scene
// control, announcements, birthdays, and member management.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the admin API server: session store, TLS,
// middleware, and routes.
func newAPI(sp *SweetPeep, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(sp)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(sp))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	protected.GET(apiPathScenes, apiHandlers.getScenes)
	protected.POST(apiPathScenesReload, apiHandlers.reloadScenes)
	protected.GET(apiPathSceneStatus, apiHandlers.sceneStatus)
	protected.POST(apiPathSceneStart, apiHandlers.sceneStart)
	protected.POST(apiPathSceneStop, apiHandlers.sceneStop)
	protected.POST(apiPathSceneChoose, apiHandlers.sceneChoose)

	protected.GET(apiPathAnnouncements, apiHandlers.getAnnouncements)
	protected.POST(apiPathAnnouncements, apiHandlers.createAnnouncement)
	protected.PATCH(apiPathAnnouncementByID, apiHandlers.updateAnnouncement)
	protected.DELETE(apiPathAnnouncementByID, apiHandlers.cancelAnnouncement)

	protected.GET(apiPathBirthdays, apiHandlers.getBirthdays)

	protected.GET(apiPathMembers, apiHandlers.getMembers)
	protected.POST(apiPathReloadMembers, apiHandlers.reloadMembers)
	protected.PATCH(apiPathUpdateMember, apiHandlers.updateMember)

	protected.GET(apiPathDiscordMessages, apiHandlers.getDiscordMessages)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.GET(apiPathGatewayBot, apiHandlers.getDiscordGatewayBot)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	sp     *SweetPeep
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store (deriving the signing key
// from the configured secret) and returns the handler set.
func NewAPIHandlers(sp *SweetPeep) *APIHandlers {
	logger := sp.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := sp.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if sp.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(sp.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{sp: sp, logger: logger, store: store}
}

// setupStatus reports whether the initial admin setup is still pending.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.sp.pendingSetup.Load()})
}

// adminSetup sets the initial admin credentials. Only allowed while
// setup is pending.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.sp.cfgMu.Lock()
	defer h.sp.cfgMu.Unlock()

	if !h.sp.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.sp.runtimeConfig

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.sp.writeDB.Updates(
		c.Request.Context(), currentState, map[string]any{
			columnRuntimeConfigAdminUsername: adminSetup.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.sp.runtimeConfig = currentState
	h.sp.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates admin credentials and creates a session.
// Login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.sp.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.sp.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.sp.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.sp.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.sp.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.sp.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports the bot's paused state, active scene, and
// gateway connection status.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	activeScene := ""
	if h.sp.stage != nil {
		if playback, err := h.sp.stage.ActivePlayback(
			c.Request.Context(),
		); err == nil {
			activeScene = playback.SceneName
		}
	}

	connectedCharacters := 0
	for _, character := range h.sp.characters {
		if character.connected.Load() {
			connectedCharacters++
		}
	}

	pendingAnnouncements := 0
	if h.sp.announcer != nil {
		pendingAnnouncements = h.sp.announcer.queue.Len()
	}

	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.sp.paused.Load(),
			ActiveScene:             activeScene,
			DiscordGatewayConnected: h.sp.discord.connected.Load(),
			ConnectedCharacters:     connectedCharacters,
			PendingAnnouncements:    pendingAnnouncements,
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.sp.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.sp.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// persists it, and notifies other processes.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	sp := h.sp
	sp.cfgMu.Lock()
	defer sp.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := sp.runtimeConfig
	rollbackConfig := *existingConfig

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "Error marshaling update request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error marshaling update request"})
		return
	}

	var updates map[string]any
	err = json.Unmarshal(updateData, &updates)
	if err != nil {
		logger.ErrorContext(c, "Error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Error unmarshalling update request"},
		)
		return
	}
	logger.InfoContext(c, "Applying updates", "updates", updates)

	var updateError error
	var statusCode int
	var ginResponse gin.H

	_ = sp.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		sp.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	sp.setRuntimeLevels(*existingConfig)

	wasPaused := sp.paused.Swap(existingConfig.Paused)
	switch {
	case wasPaused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	updateDiscordBotStatus(sp, logger, rollbackConfig, existingConfig)

	c.JSON(http.StatusAccepted, existingConfig)

	sent := sp.dbNotifier.ReloadRuntimeConfig(ctx)
	if !sent {
		logger.Error("error sending config update notification")
	}
}

// botPause pauses scene playback, announcements, and command handling.
func (h *APIHandlers) botPause(c *gin.Context) {
	log := ginContextLogger(c)
	h.sp.cfgMu.Lock()
	defer h.sp.cfgMu.Unlock()

	if h.sp.Pause(context.Background()) {
		log.Info("bot paused")
		ginReplyMessage(c, "bot paused")
		return
	}

	c.AbortWithStatusJSON(
		http.StatusConflict,
		httpError{Error: "bot already paused"},
	)
}

func (h *APIHandlers) botResume(c *gin.Context) {
	h.sp.cfgMu.Lock()
	defer h.sp.cfgMu.Unlock()

	if h.sp.Resume(context.Background()) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("quit requested via api")
	ginReplyMessage(c, "shutting down")
	go h.sp.triggerShutdown()
}

// getScenes lists the scene library, including files that failed
// validation and why.
func (h *APIHandlers) getScenes(c *gin.Context) {
	names := h.sp.sceneLibrary.Names()
	scenes := make([]sceneSummary, 0, len(names))
	for _, name := range names {
		scene, ok := h.sp.sceneLibrary.Get(name)
		if !ok {
			continue
		}
		scenes = append(
			scenes, sceneSummary{
				Name:     name,
				Nodes:    len(scene.Nodes),
				Speakers: scene.Speakers(),
			},
		)
	}
	c.JSON(
		http.StatusOK, sceneListResponse{
			Scenes:  scenes,
			Invalid: h.sp.sceneLibrary.Invalid(),
		},
	)
}

func (h *APIHandlers) reloadScenes(c *gin.Context) {
	log := ginContextLogger(c)
	if _, err := h.sp.sceneLibrary.Load(); err != nil {
		log.Error("error reloading scenes", tint.Err(err))
		ginReplyError(c, "error reloading scenes")
		return
	}
	h.getScenes(c)
}

func (h *APIHandlers) sceneStatus(c *gin.Context) {
	status, err := h.sp.stage.Status(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error getting scene status", tint.Err(err))
		ginReplyError(c, "error getting scene status")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandlers) sceneStart(c *gin.Context) {
	log := ginContextLogger(c)

	var req sceneStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = h.sp.config.Discord.SceneChannelID
	}

	playback, err := h.sp.stage.Start(c.Request.Context(), req.Scene, channelID, "")
	switch {
	case errors.Is(err, ErrSceneActive):
		c.JSON(http.StatusConflict, httpError{Error: "a scene is already active"})
	case errors.Is(err, ErrUnknownScene):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	case err != nil:
		log.Error("error starting scene", tint.Err(err))
		ginReplyError(c, "error starting scene")
	default:
		c.JSON(http.StatusCreated, playback)
	}
}

func (h *APIHandlers) sceneStop(c *gin.Context) {
	playback, err := h.sp.stage.Stop(c.Request.Context())
	switch {
	case errors.Is(err, ErrNoActiveScene):
		c.JSON(http.StatusConflict, httpError{Error: "no active scene"})
	case err != nil:
		ginContextLogger(c).Error("error stopping scene", tint.Err(err))
		ginReplyError(c, "error stopping scene")
	default:
		c.JSON(http.StatusOK, playback)
	}
}

func (h *APIHandlers) sceneChoose(c *gin.Context) {
	var req sceneChooseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	playback, err := h.sp.stage.Choose(c.Request.Context(), req.Choice)
	switch {
	case errors.Is(err, ErrNoActiveScene), errors.Is(err, ErrNoChoicePending):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, playback)
	}
}

// getAnnouncements lists announcements, pending by default. Pass
// ?include_sent=true for full history, ?date=YYYY-MM-DD for a single
// day.
func (h *APIHandlers) getAnnouncements(c *gin.Context) {
	includeSent, _ := strconv.ParseBool(c.Query("include_sent"))

	var announcements []Announcement
	q := h.sp.db.WithContext(c.Request.Context()).Order("send_at asc")
	if !includeSent {
		q = q.Where("sent = ?", false)
	}
	if err := q.Find(&announcements).Error; err != nil {
		ginContextLogger(c).Error("error listing announcements", tint.Err(err))
		ginReplyError(c, "error listing announcements")
		return
	}
	if day := c.Query("date"); day != "" {
		filtered, err := announcementsOnDay(announcements, day)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		announcements = filtered
	}
	c.JSON(http.StatusOK, announcements)
}

func (h *APIHandlers) createAnnouncement(c *gin.Context) {
	var req AnnouncementCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.sp.announcer.Schedule(c.Request.Context(), req, "")
	switch {
	case errors.Is(err, ErrAnnouncementInPast):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	default:
		c.JSON(http.StatusCreated, a)
	}
}

// updateAnnouncement applies a partial update to a pending announcement.
func (h *APIHandlers) updateAnnouncement(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid announcement id"})
		return
	}
	var req AnnouncementUpdate
	if err = c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.sp.announcer.Edit(c.Request.Context(), uint(id), req)
	switch {
	case errors.Is(err, ErrAnnouncementInPast):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, a)
	}
}

func (h *APIHandlers) cancelAnnouncement(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid announcement id"})
		return
	}
	if err = h.sp.announcer.Cancel(c.Request.Context(), uint(id)); err != nil {
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	}
	ginReplyMessage(c, "announcement canceled")
}

func (h *APIHandlers) getBirthdays(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	upcoming, err := h.sp.birthdays.Upcoming(c.Request.Context(), limit)
	if err != nil {
		ginContextLogger(c).Error("error listing birthdays", tint.Err(err))
		ginReplyError(c, "error listing birthdays")
		return
	}
	c.JSON(http.StatusOK, upcoming)
}

// reloadMembers notifies all processes to reload their member cache.
func (h *APIHandlers) reloadMembers(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("sending member cache reload notification")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sent := h.sp.dbNotifier.ReloadMemberCache(ctx)
	if sent {
		c.JSON(http.StatusAccepted, httpReply{Message: "Notification sent"})
		return
	}
	c.JSON(http.StatusInternalServerError, httpError{Error: "error sending notification"})
}

func (h *APIHandlers) getMembers(c *gin.Context) {
	var members []Member
	err := h.sp.db.WithContext(c.Request.Context()).Order(
		"username asc",
	).Find(&members).Error
	if err != nil {
		ginContextLogger(c).Error("error listing members", tint.Err(err))
		ginReplyError(c, "error listing members")
		return
	}
	c.JSON(http.StatusOK, members)
}

// updateMember patches a member record (currently just the ignored
// flag) and notifies other processes.
func (h *APIHandlers) updateMember(c *gin.Context) {
	log := ginContextLogger(c)
	memberID := c.Param("id")

	member := h.sp.writeDB.GetMember(memberID)
	if member == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "member not found"})
		return
	}

	var patch apiPatchMember
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]any{}
	if patch.Ignored != nil {
		updates[columnMemberIgnored] = *patch.Ignored
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, member)
		return
	}

	if _, err := h.sp.writeDB.Updates(
		c.Request.Context(), member, updates,
	); err != nil {
		log.Error("error updating member", tint.Err(err))
		ginReplyError(c, "error updating member")
		return
	}
	c.JSON(http.StatusOK, member)

	if !h.sp.dbNotifier.MemberUpdated(context.Background(), memberID) {
		log.Error("error sending member update notification")
	}
}

func (h *APIHandlers) getDiscordMessages(c *gin.Context) {
	var messages []DiscordMessage
	err := h.sp.db.WithContext(c.Request.Context()).Order(
		"created_at desc",
	).Limit(100).Find(&messages).Error
	if err != nil {
		ginContextLogger(c).Error("error listing messages", tint.Err(err))
		ginReplyError(c, "error listing messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.sp.discord.registerCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (h *APIHandlers) getDiscordGatewayBot(c *gin.Context) {
	gatewayBot, err := h.sp.discord.session.GatewayBot()
	if err != nil {
		ginContextLogger(c).Error("error getting gateway bot", tint.Err(err))
		ginReplyError(c, "error getting gateway bot")
		return
	}
	c.JSON(http.StatusOK, gatewayBot)
}

// loggedInResponse is returned after a successful login or session check
type loggedInResponse struct {
	Username string `json:"username"`
}

// healthCheckResponse is the health check payload
type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	ActiveScene             string `json:"active_scene,omitempty"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	ConnectedCharacters     int    `json:"connected_characters"`
	PendingAnnouncements    int    `json:"pending_announcements"`
}

// httpReply represents a standard HTTP response message
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status' endpoint
type setupResponse struct {
	Required bool `json:"required"`
}

// sceneStartRequest is the payload for starting a scene via the API
type sceneStartRequest struct {
	Scene     string `json:"scene" binding:"required"`
	ChannelID string `json:"channel_id"`
}

// sceneChooseRequest resolves a pending scene choice via the API
type sceneChooseRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// sceneSummary is a single scene in the scene list response
type sceneSummary struct {
	Name     string   `json:"name"`
	Nodes    int      `json:"nodes"`
	Speakers []string `json:"speakers"`
}

// sceneListResponse lists loaded scenes plus files that failed validation
type sceneListResponse struct {
	Scenes  []sceneSummary             `json:"scenes"`
	Invalid map[string]SceneValidation `json:"invalid,omitempty"`
}

// apiPatchMember is the partial-update payload for a member record
type apiPatchMember struct {
	Ignored *bool `json:"ignored"`
}

// authMiddleware rejects requests without a valid admin session.
func authMiddleware(sp *SweetPeep) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := sp.api.store
		logger := sp.logger
		if logger == nil {
			logger = slog.Default()
		}
		if sp.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the gin context and the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included, and sets the logger in the context so the next call to
// ginContextLogger will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, duration, and
// response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware tracks request counts per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"SweetPeep"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

// updateDiscordBotStatus applies presence changes when the custom
// status or paused state changes via the API.
func updateDiscordBotStatus(
	sp *SweetPeep,
	logger *slog.Logger,
	previous RuntimeConfig,
	current *RuntimeConfig,
) {
	if previous.Paused == current.Paused &&
		previous.DiscordCustomStatus == current.DiscordCustomStatus {
		return
	}
	var err error
	if current.Paused {
		err = sp.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		)
	} else {
		err = sp.discord.updateCustomStatus(current.DiscordCustomStatus)
	}
	if err != nil {
		logger.Error("error updating discord status", tint.Err(err))
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(
		validateRuntimeUpdateLimits,
		RuntimeConfigUpdate{},
	)
	structValidator.RegisterCustomTypeFunc(
		validateAnnouncementConfig,
		AnnouncementConfig{},
	)
}
