package sweetpeep

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordMaxButtonsPerActionRow defines the maximum number of buttons
	// allowed per action row in Discord interactions.
	discordMaxButtonsPerActionRow = 5

	// sceneChoiceCustomIDPrefix prefixes the component custom IDs used for
	// scene choice buttons ("scene_choice:<playback_id>:<choice>")
	sceneChoiceCustomIDPrefix = "scene_choice"

	// Slash command names
	DiscordSlashCommandStartScene         = "startscene"
	DiscordSlashCommandStopScene          = "stopscene"
	DiscordSlashCommandSceneStatus        = "scenestatus"
	DiscordSlashCommandListScenes         = "listscenes"
	DiscordSlashCommandAnnounce           = "announce"
	DiscordSlashCommandListAnnouncements  = "listannouncements"
	DiscordSlashCommandCancelAnnouncement = "cancelannouncement"
	DiscordSlashCommandEditAnnouncement   = "editannouncement"
	DiscordSlashCommandBirthday           = "birthday"
	DiscordSlashCommandNextBirthdays      = "nextbirthdays"
	DiscordSlashCommandWelcome            = "welcome"

	// Option names
	sceneCommandSceneOption          = "scene"
	announceCommandMessageOption     = "message"
	announceCommandTimeOption        = "time"
	announceCommandTimezoneOption    = "timezone"
	announceCommandChannelOption     = "channel"
	announceCommandImageOption       = "image_url"
	announceCommandRecurringOption   = "recurring"
	announceCommandIDOption          = "id"
	listCommandDateOption            = "date"
	birthdayCommandDateOption        = "date"
	nextBirthdaysCommandCountOption  = "count"
	welcomeCommandUserOption         = "user"
	defaultNextBirthdaysCommandCount = 5
)

// announcementCommandPermissions gates the announcement and welcome
// management commands to members who can manage messages.
func announcementCommandPermissions() *int64 {
	perms := int64(discordgo.PermissionManageMessages)
	return &perms
}

// sceneChoiceCustomID builds the component custom ID for a scene
// choice button.
func sceneChoiceCustomID(playbackID uint, choice string) string {
	return fmt.Sprintf("%s:%d:%s", sceneChoiceCustomIDPrefix, playbackID, choice)
}

// parseSceneChoiceCustomID extracts the playback ID and choice label
// from a scene choice button's custom ID.
func parseSceneChoiceCustomID(customID string) (playbackID uint, choice string, ok bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != sceneChoiceCustomIDPrefix {
		return 0, "", false
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return uint(id), parts[2], true
}

// sceneChoiceButtons builds the action rows shown when a scene reaches
// a choice point, one button per choice.
func sceneChoiceButtons(playbackID uint, labels []string) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow, labels...) {
		row := discordgo.ActionsRow{}
		for _, label := range chunk {
			row.Components = append(
				row.Components, discordgo.Button{
					Label:    label,
					Style:    discordgo.PrimaryButton,
					CustomID: sceneChoiceCustomID(playbackID, label),
				},
			)
		}
		rows = append(rows, row)
	}
	return rows
}

// Discord manages the coordinator bot's gateway connection: it holds
// the session, registers the slash commands, and tracks connection
// state. The performing characters hold their own, simpler sessions
// (see Character).
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesSeen          atomic.Int64
	connected                   atomic.Bool
	botUser                     atomic.Pointer[discordgo.User]
	discordgoRemoveHandlerFuncs []func()
	sp                          *SweetPeep
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newDiscordSession creates a configured discordgo session wrapper for
// the given bot token. Used for both the coordinator and each character.
func newDiscordSession(
	token string,
	logger *slog.Logger,
	lvl slog.Level,
	httpClient *http.Client,
) (DiscordSession, error) {
	session := DiscordSession{logger: logger}
	disc, err := discordgo.New("Bot " + token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if httpClient != nil {
		disc.Client = httpClient
	}
	if err = session.SetLogLevel(lvl); err != nil {
		return session, err
	}
	return session, nil
}

// newSession initializes the coordinator's Discord session.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session, err := newDiscordSession(
		d.config.Token,
		d.logger.With(loggerNameKey, "discord_session_handler"),
		d.config.DiscordGoLogLevel.Level(),
		d.config.httpClient,
	)
	if err != nil {
		return session, err
	}
	session.session.Identify.Intents = d.config.GatewayIntents
	return session, nil
}

// appCommandStartScene creates the "/startscene" command.
func (d *Discord) appCommandStartScene() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStartScene,
		Description: "Start a scene in the scene channel",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         sceneCommandSceneOption,
				Description:  "Name of the scene to perform",
				Required:     true,
				MinLength:    &minLength,
				Autocomplete: true,
			},
		},
	}
}

func (*Discord) appCommandStopScene() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStopScene,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Stop the currently running scene",
	}
}

func (*Discord) appCommandSceneStatus() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSceneStatus,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show the current scene and who speaks next",
	}
}

func (*Discord) appCommandListScenes() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandListScenes,
		Type:        discordgo.ChatApplicationCommand,
		Description: "List the available scenes",
	}
}

// appCommandAnnounce creates the "/announce" command for scheduling
// announcements.
func (*Discord) appCommandAnnounce() *discordgo.ApplicationCommand {
	minLength := 1
	maxLength := discordMaxMessageLength
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandAnnounce,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Schedule an announcement",
		DefaultMemberPermissions: announcementCommandPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandMessageOption,
				Description: "Announcement message",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   maxLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandTimeOption,
				Description: "When to send it (YYYY-MM-DD HH:MM)",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandTimezoneOption,
				Description: "Timezone for the time (e.g. America/New_York)",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        announceCommandChannelOption,
				Description: "Channel to announce in (default: announcement channel)",
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandImageOption,
				Description: "Image URL to attach",
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        announceCommandRecurringOption,
				Description: "Repeat weekly",
			},
		},
	}
}

func (*Discord) appCommandListAnnouncements() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandListAnnouncements,
		Type:        discordgo.ChatApplicationCommand,
		Description: "List pending announcements",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        listCommandDateOption,
				Description: "Only show announcements on this date (YYYY-MM-DD)",
			},
		},
	}
}

func (*Discord) appCommandCancelAnnouncement() *discordgo.ApplicationCommand {
	minValue := float64(1)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandCancelAnnouncement,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Cancel a pending announcement",
		DefaultMemberPermissions: announcementCommandPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        announceCommandIDOption,
				Description: "Announcement ID (from /listannouncements)",
				Required:    true,
				MinValue:    &minValue,
			},
		},
	}
}

// appCommandEditAnnouncement creates the "/editannouncement" command.
// Only the options actually provided are changed.
func (*Discord) appCommandEditAnnouncement() *discordgo.ApplicationCommand {
	minValue := float64(1)
	minLength := 1
	maxLength := discordMaxMessageLength
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandEditAnnouncement,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Edit a pending announcement",
		DefaultMemberPermissions: announcementCommandPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        announceCommandIDOption,
				Description: "Announcement ID (from /listannouncements)",
				Required:    true,
				MinValue:    &minValue,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandMessageOption,
				Description: "New announcement message",
				MinLength:   &minLength,
				MaxLength:   maxLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandTimeOption,
				Description: "New time (YYYY-MM-DD HH:MM)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandTimezoneOption,
				Description: "Timezone for the new time (e.g. America/New_York)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        announceCommandImageOption,
				Description: "New image URL to attach",
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        announceCommandRecurringOption,
				Description: "Repeat weekly",
			},
		},
	}
}

// appCommandWelcome creates the "/welcome" command, for manually
// greeting a member the automatic welcome missed.
func (*Discord) appCommandWelcome() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandWelcome,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Send the welcome message for a member",
		DefaultMemberPermissions: announcementCommandPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        welcomeCommandUserOption,
				Description: "Member to welcome",
				Required:    true,
			},
		},
	}
}

func (*Discord) appCommandBirthday() *discordgo.ApplicationCommand {
	minLength := 5
	maxLength := 5
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandBirthday,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Set your birthday",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        birthdayCommandDateOption,
				Description: "Your birthday as MM-DD (e.g. 04-15)",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   maxLength,
			},
		},
	}
}

func (*Discord) appCommandNextBirthdays() *discordgo.ApplicationCommand {
	minValue := float64(1)
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandNextBirthdays,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show upcoming birthdays",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        nextBirthdaysCommandCountOption,
				Description: "How many to show (default 5)",
				MinValue:    &minValue,
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandStartScene(),
		d.appCommandStopScene(),
		d.appCommandSceneStatus(),
		d.appCommandListScenes(),
		d.appCommandAnnounce(),
		d.appCommandListAnnouncements(),
		d.appCommandCancelAnnouncement(),
		d.appCommandEditAnnouncement(),
		d.appCommandBirthday(),
		d.appCommandNextBirthdays(),
		d.appCommandWelcome(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r != nil && r.User != nil {
			d.botUser.Store(r.User)
		}
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		config := d.sp.RuntimeConfig()
		if config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// ackResponse returns the deferred response sent immediately on
// receiving a slash command. Everything the bot responds with is
// ephemeral; scenes and announcements go out as regular channel
// messages.
func (*Discord) ackResponse(string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds/components
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildMembers pages through a guild's member list
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the
	// initial handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, opts...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}

// DiscordMessage is a DB model which logs details about an incoming
// discord message received via the discordgo.MessageCreate handler.
// These are limited to messages that mention the coordinator.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}

	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}

	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("global_name", m.GlobalName),
		slog.String("referenced_message_id", m.ReferencedMessageID),
		slog.String("content", m.Content),
	)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @ (not whether the content merely contains it).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the
// interaction. Users don't always appear in the same place in the
// interaction object, so this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
