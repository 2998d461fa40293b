package sweetpeep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionHandler defines the interface for responding to Discord
// interactions, to enable testing without a live gateway connection.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler
	Logger() *slog.Logger

	// Config returns the command options for this handler
	Config() CommandOptions
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      CommandOptions
	mu          *sync.RWMutex
}

func (w GatewayHandler) Config() CommandOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleRecover handles the recovery from a panic in a goroutine. This
// is used when executing slash commands, and should only be used when
// [CommandOptions.RecoverPanic] is enabled.
func (*SweetPeep) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}

// handleInteraction processes an incoming Discord interaction: pings,
// scene choice buttons, and the slash commands.
func (sp *SweetPeep) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	if handler.Config().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				sp.handleRecover(ctx, rc)
			}
		}()
	}

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := sp.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionMessageComponent:
		sp.handleSceneChoice(ctx, handler, discordUser)
	case discordgo.InteractionApplicationCommand:
		sp.handleApplicationCommand(ctx, handler, discordUser)
	case discordgo.InteractionApplicationCommandAutocomplete:
		sp.handleAutocomplete(ctx, handler)
	default:
		logger.WarnContext(
			ctx,
			"unexpected interaction type",
			"interaction_type", i.Type.String(),
		)
	}
}

// handleApplicationCommand dispatches a slash command after member
// gating (ignored members and paused state).
func (sp *SweetPeep) handleApplicationCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name

	member, _, err := sp.writeDB.GetOrCreateMember(ctx, sp, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting member", tint.Err(err))
		return
	}
	logger = logger.With(slog.Group("member", memberLogAttrs(*member)...))
	ctx = WithLogger(ctx, logger)

	if member.Ignored || sp.paused.Load() {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: handler.Config().DiscordErrorMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	if ackErr := handler.Respond(ctx, sp.discord.ackResponse(commandName)); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	var reply string
	switch commandName {
	case DiscordSlashCommandStartScene:
		reply = sp.commandStartScene(ctx, i, member)
	case DiscordSlashCommandStopScene:
		reply = sp.commandStopScene(ctx, member)
	case DiscordSlashCommandSceneStatus:
		reply = sp.commandSceneStatus(ctx)
	case DiscordSlashCommandListScenes:
		reply = sp.commandListScenes()
	case DiscordSlashCommandAnnounce:
		reply = sp.commandAnnounce(ctx, i, member)
	case DiscordSlashCommandListAnnouncements:
		reply = sp.commandListAnnouncements(ctx, i)
	case DiscordSlashCommandCancelAnnouncement:
		reply = sp.commandCancelAnnouncement(ctx, i)
	case DiscordSlashCommandEditAnnouncement:
		reply = sp.commandEditAnnouncement(ctx, i)
	case DiscordSlashCommandBirthday:
		reply = sp.commandBirthday(ctx, i, member)
	case DiscordSlashCommandNextBirthdays:
		reply = sp.commandNextBirthdays(ctx, i)
	case DiscordSlashCommandWelcome:
		reply = sp.commandWelcome(ctx, i)
	default:
		logger.WarnContext(ctx, "unknown command", "command", commandName)
		reply = "I don't know that command, sorry!"
	}

	if reply == "" {
		return
	}
	if _, editErr := handler.Edit(
		ctx, &discordgo.WebhookEdit{Content: &reply},
	); editErr != nil {
		logger.ErrorContext(ctx, "error sending command response", tint.Err(editErr))
	}
}

func (sp *SweetPeep) commandStartScene(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	member *Member,
) string {
	opts := discordInteractionOptions(i)
	sceneOpt, ok := opts[sceneCommandSceneOption]
	if !ok {
		return "Which scene? Try `/listscenes` to see what's available."
	}
	sceneName := sceneOpt.StringValue()

	playback, err := sp.stage.Start(
		ctx, sceneName, sp.config.Discord.SceneChannelID, member.ID,
	)
	switch {
	case errors.Is(err, ErrSceneActive):
		return "A scene is already playing! Stop it first with `/stopscene`."
	case errors.Is(err, ErrUnknownScene):
		names := sp.sceneLibrary.Names()
		if len(names) == 0 {
			return "I don't have any scenes loaded right now."
		}
		return fmt.Sprintf(
			"I don't know a scene called **%s**. I do know: %s",
			sceneName,
			strings.Join(names, ", "),
		)
	case err != nil:
		sp.logger.ErrorContext(ctx, "error starting scene", tint.Err(err))
		return "Something went wrong starting the scene, sorry!"
	}
	return fmt.Sprintf(
		"🎬 Starting **%s**! First up: %s",
		playback.SceneName,
		playback.NextSpeaker,
	)
}

func (sp *SweetPeep) commandStopScene(ctx context.Context, member *Member) string {
	playback, err := sp.stage.Stop(ctx)
	switch {
	case errors.Is(err, ErrNoActiveScene):
		return "There's no scene playing right now."
	case err != nil:
		sp.logger.ErrorContext(ctx, "error stopping scene", tint.Err(err))
		return "Something went wrong stopping the scene, sorry!"
	}
	sp.logger.InfoContext(
		ctx,
		"scene stopped by command",
		"playback", playback,
		"member_id", member.ID,
	)
	return fmt.Sprintf("🛑 Stopped **%s**.", playback.SceneName)
}

func (sp *SweetPeep) commandSceneStatus(ctx context.Context) string {
	status, err := sp.stage.Status(ctx)
	if err != nil {
		sp.logger.ErrorContext(ctx, "error getting scene status", tint.Err(err))
		return "Couldn't check the scene status, sorry!"
	}
	if !status.Active {
		if status.Scene == "" {
			return "No scene has been played yet."
		}
		return fmt.Sprintf("No scene is playing. Last scene: **%s**", status.Scene)
	}
	if status.WaitingForChoice {
		return fmt.Sprintf(
			"**%s** is playing, waiting on a choice: %s",
			status.Scene,
			strings.Join(status.Choices, " / "),
		)
	}
	return fmt.Sprintf(
		"**%s** is playing. Next to speak: %s (node: %s)",
		status.Scene,
		status.NextSpeaker,
		status.CurrentNode,
	)
}

func (sp *SweetPeep) commandListScenes() string {
	names := sp.sceneLibrary.Names()
	if len(names) == 0 {
		return "I don't have any scenes loaded right now."
	}
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("- **%s**", name))
	}
	return fmt.Sprintf(
		"Here's what we can perform:\n%s", strings.Join(lines, "\n"),
	)
}

// announcePermissionDeniedMessage is the reply for announcement and
// welcome management commands from members without Manage Messages.
// Discord hides the commands via their default permissions, but server
// admins can re-expose them, so the handlers check too.
const announcePermissionDeniedMessage = "You need the Manage Messages" +
	" permission to use that command, sorry!"

func (sp *SweetPeep) commandAnnounce(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	member *Member,
) string {
	if !interactionHasPermission(i, discordgo.PermissionManageMessages) {
		return announcePermissionDeniedMessage
	}
	opts := discordInteractionOptions(i)
	req := AnnouncementCreate{}
	if opt, ok := opts[announceCommandMessageOption]; ok {
		req.Message = opt.StringValue()
	}
	if opt, ok := opts[announceCommandTimeOption]; ok {
		req.TimeSpec = opt.StringValue()
	}
	if opt, ok := opts[announceCommandTimezoneOption]; ok {
		req.Timezone = opt.StringValue()
	}
	if opt, ok := opts[announceCommandChannelOption]; ok {
		if ch := opt.ChannelValue(nil); ch != nil {
			req.ChannelID = ch.ID
		}
	}
	if opt, ok := opts[announceCommandImageOption]; ok {
		req.ImageURL = opt.StringValue()
	}
	if opt, ok := opts[announceCommandRecurringOption]; ok {
		req.Recurring = opt.BoolValue()
	}

	a, err := sp.announcer.Schedule(ctx, req, member.ID)
	switch {
	case errors.Is(err, ErrAnnouncementInPast):
		return "That time has already passed! Announcements need a future time."
	case err != nil:
		sp.logger.ErrorContext(ctx, "error scheduling announcement", tint.Err(err))
		return fmt.Sprintf("I couldn't schedule that: %s", err.Error())
	}

	when := fmt.Sprintf("<t:%d:F>", a.SendTime().Unix())
	if a.Recurring {
		return fmt.Sprintf(
			"📣 Scheduled! I'll announce that %s, and weekly after (ID %d).",
			when,
			a.ID,
		)
	}
	return fmt.Sprintf("📣 Scheduled! I'll announce that %s (ID %d).", when, a.ID)
}

func (sp *SweetPeep) commandListAnnouncements(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	pending, err := sp.announcer.Pending(ctx)
	if err != nil {
		sp.logger.ErrorContext(ctx, "error listing announcements", tint.Err(err))
		return "Couldn't list the announcements, sorry!"
	}

	opts := discordInteractionOptions(i)
	if opt, ok := opts[listCommandDateOption]; ok {
		day := opt.StringValue()
		pending, err = announcementsOnDay(pending, day)
		if err != nil {
			return "I didn't understand that date. Use YYYY-MM-DD, like `2026-12-01`."
		}
		if len(pending) == 0 {
			return fmt.Sprintf("No announcements are scheduled for %s.", day)
		}
	}
	if len(pending) == 0 {
		return "No announcements are scheduled."
	}
	lines := make([]string, 0, len(pending))
	for _, a := range pending {
		line := fmt.Sprintf(
			"- **%d**: <t:%d:F> — %s",
			a.ID,
			a.SendTime().Unix(),
			truncate(a.Message, 80),
		)
		if a.Recurring {
			line += " (weekly)"
		}
		lines = append(lines, line)
	}
	return fmt.Sprintf("Scheduled announcements:\n%s", strings.Join(lines, "\n"))
}

func (sp *SweetPeep) commandCancelAnnouncement(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	if !interactionHasPermission(i, discordgo.PermissionManageMessages) {
		return announcePermissionDeniedMessage
	}
	opts := discordInteractionOptions(i)
	opt, ok := opts[announceCommandIDOption]
	if !ok {
		return "Which announcement? Try `/listannouncements` for the IDs."
	}
	id := uint(opt.IntValue())
	if err := sp.announcer.Cancel(ctx, id); err != nil {
		return fmt.Sprintf("I couldn't cancel that: %s", err.Error())
	}
	return fmt.Sprintf("🗑️ Canceled announcement %d.", id)
}

func (sp *SweetPeep) commandEditAnnouncement(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	if !interactionHasPermission(i, discordgo.PermissionManageMessages) {
		return announcePermissionDeniedMessage
	}
	opts := discordInteractionOptions(i)
	idOpt, ok := opts[announceCommandIDOption]
	if !ok {
		return "Which announcement? Try `/listannouncements` for the IDs."
	}

	req := AnnouncementUpdate{}
	if opt, optOk := opts[announceCommandMessageOption]; optOk {
		v := opt.StringValue()
		req.Message = &v
	}
	if opt, optOk := opts[announceCommandTimeOption]; optOk {
		v := opt.StringValue()
		req.TimeSpec = &v
	}
	if opt, optOk := opts[announceCommandTimezoneOption]; optOk {
		v := opt.StringValue()
		req.Timezone = &v
	}
	if opt, optOk := opts[announceCommandImageOption]; optOk {
		v := opt.StringValue()
		req.ImageURL = &v
	}
	if opt, optOk := opts[announceCommandRecurringOption]; optOk {
		v := opt.BoolValue()
		req.Recurring = &v
	}

	a, err := sp.announcer.Edit(ctx, uint(idOpt.IntValue()), req)
	switch {
	case errors.Is(err, ErrAnnouncementInPast):
		return "That time has already passed! Announcements need a future time."
	case err != nil:
		return fmt.Sprintf("I couldn't update that: %s", err.Error())
	}
	return fmt.Sprintf(
		"✏️ Updated announcement %d. It'll go out <t:%d:F>.",
		a.ID,
		a.SendTime().Unix(),
	)
}

// commandWelcome manually triggers the welcome message for a member,
// for anyone the automatic welcome missed.
func (sp *SweetPeep) commandWelcome(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	if !interactionHasPermission(i, discordgo.PermissionManageMessages) {
		return announcePermissionDeniedMessage
	}
	opts := discordInteractionOptions(i)
	opt, ok := opts[welcomeCommandUserOption]
	if !ok {
		return "Who should I welcome?"
	}
	target := opt.UserValue(nil)
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if u, resolvedOk := resolved.Users[target.ID]; resolvedOk {
			target = u
		}
	}
	if target.Bot {
		return "Bots don't get welcome messages!"
	}

	sent, err := sp.welcomer.welcome(ctx, target, time.Time{}, false)
	if err != nil {
		sp.logger.ErrorContext(ctx, "error welcoming member", tint.Err(err))
		return "Something went wrong sending the welcome, sorry!"
	}
	if !sent {
		return fmt.Sprintf(
			"%s has already been welcomed (or welcomes are off right now).",
			target.Mention(),
		)
	}
	return fmt.Sprintf("👋 Welcomed %s!", target.Mention())
}

func (sp *SweetPeep) commandBirthday(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	member *Member,
) string {
	opts := discordInteractionOptions(i)
	opt, ok := opts[birthdayCommandDateOption]
	if !ok {
		return "When's your birthday? Use MM-DD, like `04-15`."
	}
	b, err := sp.birthdays.Set(ctx, member.ID, opt.StringValue())
	switch {
	case errors.Is(err, ErrInvalidBirthday):
		return "I didn't understand that date. Use MM-DD, like `04-15`."
	case err != nil:
		sp.logger.ErrorContext(ctx, "error setting birthday", tint.Err(err))
		return "Something went wrong saving your birthday, sorry!"
	}
	return fmt.Sprintf(
		"🎂 Got it! I'll remember your birthday is %s.", b.String(),
	)
}

func (sp *SweetPeep) commandNextBirthdays(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	count := defaultNextBirthdaysCommandCount
	opts := discordInteractionOptions(i)
	if opt, ok := opts[nextBirthdaysCommandCountOption]; ok {
		count = int(opt.IntValue())
	}
	upcoming, err := sp.birthdays.Upcoming(ctx, count)
	if err != nil {
		sp.logger.ErrorContext(ctx, "error listing birthdays", tint.Err(err))
		return "Couldn't look up the birthdays, sorry!"
	}
	if len(upcoming) == 0 {
		return "Nobody's told me their birthday yet! Use `/birthday` to set yours."
	}
	lines := make([]string, 0, len(upcoming))
	for _, b := range upcoming {
		lines = append(lines, fmt.Sprintf("- <@%s>: %s", b.MemberID, b.String()))
	}
	return fmt.Sprintf("Upcoming birthdays:\n%s", strings.Join(lines, "\n"))
}

// maxAutocompleteChoices is Discord's limit on autocomplete results
const maxAutocompleteChoices = 25

// sceneAutocompleteChoices filters scene names by the typed text,
// case-insensitively, capped at Discord's choice limit.
func sceneAutocompleteChoices(
	names []string,
	partial string,
) []*discordgo.ApplicationCommandOptionChoice {
	partial = strings.ToLower(strings.TrimSpace(partial))
	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, name := range names {
		if partial != "" && !strings.Contains(strings.ToLower(name), partial) {
			continue
		}
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  name,
				Value: name,
			},
		)
		if len(choices) == maxAutocompleteChoices {
			break
		}
	}
	return choices
}

// handleAutocomplete suggests scene names as the member types the
// scene option of /startscene.
func (sp *SweetPeep) handleAutocomplete(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	data := i.ApplicationCommandData()
	if data.Name != DiscordSlashCommandStartScene {
		logger.WarnContext(
			ctx,
			"unexpected autocomplete command",
			"command", data.Name,
		)
		return
	}

	partial := ""
	for _, opt := range data.Options {
		if opt != nil && opt.Name == sceneCommandSceneOption && opt.Focused {
			partial = opt.StringValue()
			break
		}
	}

	_ = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{
				Choices: sceneAutocompleteChoices(
					sp.sceneLibrary.Names(),
					partial,
				),
			},
		},
	)
}

// handleSceneChoice processes a scene choice button click, resuming
// the paused playback on the chosen branch.
func (sp *SweetPeep) handleSceneChoice(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	customID := i.MessageComponentData().CustomID
	playbackID, choice, ok := parseSceneChoiceCustomID(customID)
	if !ok {
		logger.WarnContext(ctx, "unexpected component custom ID", "custom_id", customID)
		return
	}

	playback, err := sp.stage.ActivePlayback(ctx)
	if err != nil || playback.ID != playbackID {
		// Buttons from an old scene. Acknowledge quietly so the click
		// doesn't show as failed.
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "That scene has already ended!",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	logger = logger.With(slog.Group("playback", playbackLogAttrs(*playback)...))

	if _, err = sp.stage.Choose(ctx, choice); err != nil {
		if errors.Is(err, ErrNoChoicePending) {
			_ = handler.Respond(
				ctx, &discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseChannelMessageWithSource,
					Data: &discordgo.InteractionResponseData{
						Content: "Someone already chose!",
						Flags:   discordgo.MessageFlagsEphemeral,
					},
				},
			)
			return
		}
		logger.ErrorContext(ctx, "error resolving scene choice", tint.Err(err))
		return
	}

	// Replace the button message so the choice can't be made twice
	content := fmt.Sprintf("▶️ **%s** — chosen by %s", choice, discordUser.Mention())
	err = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    content,
				Components: []discordgo.MessageComponent{},
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error updating choice message", tint.Err(err))
	}
	logger.InfoContext(
		ctx,
		"scene choice made",
		"choice", choice,
		"user_id", discordUser.ID,
	)
}

// handleDiscordMessage records incoming messages that mention the
// coordinator.
func (sp *SweetPeep) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	sp.discord.metricMessagesSeen.Add(1)

	botUser := sp.discord.botUser.Load()
	if botUser == nil || !messageMentionsUser(m.Message, botUser.ID) {
		return
	}
	dm := NewDiscordMessage(m.Message)
	if _, err := sp.writeDB.Create(ctx, &dm); err != nil {
		sp.logger.ErrorContext(ctx, "error recording discord message", tint.Err(err))
	}
}

// promptPendingChoice posts the choice buttons for a playback that's
// waiting on an audience choice, at most once per pending choice.
func (sp *SweetPeep) promptPendingChoice(ctx context.Context) {
	playback, err := sp.stage.ActivePlayback(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoActiveScene) {
			sp.logger.ErrorContext(ctx, "error checking playback", tint.Err(err))
		}
		return
	}
	if !playback.WaitingForChoice || playback.ChoicePrompted {
		return
	}

	labels := sp.stage.PendingChoices(playback)
	if len(labels) == 0 {
		return
	}

	channelID := playback.ChannelID
	if channelID == "" {
		channelID = sp.config.Discord.SceneChannelID
	}
	_, err = sp.discord.session.ChannelMessageSendComplex(
		channelID, &discordgo.MessageSend{
			Content:    "What happens next? You decide!",
			Components: sceneChoiceButtons(playback.ID, labels),
		},
	)
	if err != nil {
		sp.logger.ErrorContext(ctx, "error posting choice buttons", tint.Err(err))
		return
	}
	if err = sp.stage.MarkChoicePrompted(ctx, playback); err != nil {
		sp.logger.ErrorContext(ctx, "error marking choice prompted", tint.Err(err))
	}
	sp.logger.InfoContext(
		ctx,
		"posted scene choice",
		"playback", playback,
		"choices", labels,
	)
}

// choicePromptWorker watches playback updates and posts choice buttons
// when a scene pauses on a choice. Runs only in the coordinator.
func (sp *SweetPeep) choicePromptWorker(ctx context.Context, startCh chan<- struct{}) {
	wakeCh := make(chan bool, 1)
	sp.registerPlaybackWakeChannel(wakeCh)

	ticker := time.NewTicker(sp.sceneTickInterval())
	defer ticker.Stop()

	startCh <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-wakeCh:
			sp.promptPendingChoice(ctx)
		case <-ticker.C:
			ticker.Reset(sp.sceneTickInterval())
			sp.promptPendingChoice(ctx)
		}
	}
}
