package sweetpeep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

var (
	characterSendsPerSecond = rate.Limit(1)
	characterSendBurst      = 5
)

// Character is one performing bot account. It holds its own Discord
// session, theme color, and send limiter. The coordinator creates one
// Character per [CharacterConfig] entry.
type Character struct {
	config  CharacterConfig
	session DiscordSessionHandler
	logger  *slog.Logger

	connected atomic.Bool

	// sendLimiter paces outgoing dialogue messages so a fast scene
	// doesn't trip Discord's rate limits
	sendLimiter *rate.Limiter

	metricLinesSpoken atomic.Int64
}

func (c *Character) Name() string {
	return c.config.Name
}

func (c *Character) Color() int {
	return c.config.Color
}

// speak sends a dialogue line to the given channel as
// '**Name:** text', split if it exceeds Discord's message limit.
func (c *Character) speak(ctx context.Context, channelID string, text string) error {
	if err := c.sendLimiter.Wait(ctx); err != nil {
		return err
	}
	content := fmt.Sprintf("**%s:** %s", c.config.Name, text)
	for _, chunk := range chunkDialogue(content, discordMaxMessageLength) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return err
		}
	}
	c.metricLinesSpoken.Add(1)
	return nil
}

// chunkDialogue splits content on rune boundaries to fit Discord's
// message length limit. Almost every line fits in one chunk.
func chunkDialogue(content string, limit int) []string {
	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}
	var chunks []string
	for _, part := range chunkItems(limit, runes...) {
		chunks = append(chunks, string(part))
	}
	return chunks
}

// characterWorker drives a single character's participation in scenes.
// It wakes on playback notifications and on a fallback tick, checks
// whether it's the character's turn, and if so performs the current
// node and advances the playback.
type characterWorker struct {
	character *Character

	// wakeCh receives a signal whenever the shared playback state
	// changes, so the character reacts immediately rather than
	// waiting out the tick interval
	wakeCh chan bool

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	// stopped receives a notification when the worker has stopped,
	// and the time it stopped
	stopped chan time.Time

	lastTurnAt atomic.Int64

	sp *SweetPeep
}

func newCharacterWorker(sp *SweetPeep, c *Character) *characterWorker {
	return &characterWorker{
		character:  c,
		wakeCh:     make(chan bool, 1),
		signalStop: make(chan struct{}, 1),
		stopped:    make(chan time.Time, 1),
		sp:         sp,
	}
}

// Run starts the worker loop. It wakes on playback notifications, on the
// configured tick interval as a fallback, or exits when the context is
// canceled or a stop signal is received.
func (w *characterWorker) Run(ctx context.Context, startCh chan struct{}) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}
	log = log.With("character", w.character.Name())
	ctx = WithLogger(ctx, log)

	defer func() {
		stopSignalCtx, stopSignalCancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		select {
		case w.stopped <- time.Now():
			log.Info("sent stop notification")
		case <-stopSignalCtx.Done():
			log.Warn("timed out sending stop signal")
		}
		stopSignalCancel()
	}()

	log.InfoContext(ctx, "starting character worker")
	startedAt := time.Now()
	ticker := time.NewTicker(w.sp.sceneTickInterval())

	defer func() {
		ticker.Stop()
		endedAt := time.Now()
		log.InfoContext(
			ctx,
			"stopped character worker",
			"started_at", startedAt,
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
		)
	}()

	startCh <- struct{}{}
	close(startCh)

	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			return
		case <-w.signalStop:
			log.WarnContext(ctx, "got stop signal")
			return
		case <-ticker.C:
			ticker.Reset(w.sp.sceneTickInterval())
			w.takeTurnIfSpeaking(ctx, log)
		case <-w.wakeCh:
			w.takeTurnIfSpeaking(ctx, log)
		}
	}
}

// takeTurnIfSpeaking checks the shared playback state and, when it's
// this character's turn, performs the current node.
func (w *characterWorker) takeTurnIfSpeaking(ctx context.Context, log *slog.Logger) {
	if w.sp.paused.Load() {
		return
	}

	playback, err := w.sp.stage.ActivePlayback(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoActiveScene) {
			log.ErrorContext(ctx, "error loading playback", tint.Err(err))
		}
		return
	}
	if playback.WaitingForChoice || playback.NextSpeaker != w.character.Name() {
		return
	}

	scene, ok := w.sp.sceneLibrary.Get(playback.SceneName)
	if !ok {
		log.ErrorContext(
			ctx,
			"active scene not in library",
			"playback", playback,
		)
		return
	}
	node, ok := scene.Node(playback.CurrentNode)
	if !ok {
		log.ErrorContext(
			ctx,
			"current node not in scene",
			"playback", playback,
		)
		return
	}
	if node.Speaker != w.character.Name() {
		// Speaker mismatch between playback state and scene data,
		// usually a mid-scene reload. Skip; Advance sorts it out.
		log.WarnContext(
			ctx,
			"speaker mismatch for current node",
			"node_speaker", node.Speaker,
			"playback", playback,
		)
		return
	}

	if err = w.performNode(ctx, playback, node); err != nil {
		log.ErrorContext(ctx, "error performing node", tint.Err(err))
	}
}

// performNode sends the node's dialogue, waits the node's pause, then
// advances the shared playback.
func (w *characterWorker) performNode(
	ctx context.Context,
	playback *ScenePlayback,
	node SceneNode,
) error {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}

	channelID := playback.ChannelID
	if channelID == "" {
		channelID = w.sp.config.Discord.SceneChannelID
	}

	if err := w.character.speak(ctx, channelID, node.Text); err != nil {
		return fmt.Errorf("error sending dialogue: %w", err)
	}
	w.lastTurnAt.Store(time.Now().UnixMilli())
	log.InfoContext(
		ctx,
		"performed dialogue line",
		"node", playback.CurrentNode,
		"text", truncate(node.Text, 50),
	)

	wait := time.Duration(node.WaitSeconds() * float64(time.Second))
	waitTimer := time.NewTimer(wait)
	defer waitTimer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitTimer.C:
		//
	}

	if _, err := w.sp.stage.Advance(ctx); err != nil {
		if errors.Is(err, ErrNoActiveScene) {
			// stopped while we were waiting
			return nil
		}
		return fmt.Errorf("error advancing scene: %w", err)
	}
	return nil
}
