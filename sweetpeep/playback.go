package sweetpeep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var (
	columnSceneName         = "scene_name"
	columnCurrentNode       = "current_node"
	columnNextSpeaker       = "next_speaker"
	columnPlaybackActive    = "active"
	columnPlaybackWaiting   = "waiting_for_choice"
	columnPlaybackPrompted  = "choice_prompted"
	columnPlaybackEndedAt   = "ended_at"
	columnPlaybackStoppedAt = "stopped_at"
)

var (
	// ErrSceneActive is returned when starting a scene while one is
	// already playing.
	ErrSceneActive = errors.New("a scene is already active")

	// ErrUnknownScene is returned when the named scene isn't in the library.
	ErrUnknownScene = errors.New("unknown scene")

	// ErrNoActiveScene is returned by operations that require a
	// scene to be playing.
	ErrNoActiveScene = errors.New("no active scene")

	// ErrNoChoicePending is returned when a choice is made but the
	// playback isn't waiting for one.
	ErrNoChoicePending = errors.New("scene is not waiting for a choice")
)

// ScenePlayback is the shared state of a scene being performed. A single
// active row coordinates all character bots: each checks whether
// [ScenePlayback.NextSpeaker] names it, performs that node, and advances.
//
//nolint:lll // struct tags can't be split
type ScenePlayback struct {
	ModelUintID
	ModelUnixTime

	// SceneName is the library name of the scene being performed
	SceneName string `json:"scene_name" gorm:"column:scene_name;not null"`

	// CurrentNode is the node waiting to be (or being) performed
	CurrentNode string `json:"current_node" gorm:"column:current_node"`

	// NextSpeaker is the character who performs CurrentNode. Empty while
	// waiting for a choice or after the scene ends.
	NextSpeaker string `json:"next_speaker" gorm:"column:next_speaker"`

	// WaitingForChoice is set when the current transition needs an
	// audience choice before the scene can continue
	WaitingForChoice bool `json:"waiting_for_choice" gorm:"column:waiting_for_choice;not null;default:false"`

	// ChoicePrompted is set once the coordinator has posted the choice
	// buttons, so a pending choice is only prompted once
	ChoicePrompted bool `json:"choice_prompted" gorm:"column:choice_prompted;not null;default:false"`

	// Active is true while the scene is playing. At most one playback
	// row is active at a time.
	Active bool `json:"active" gorm:"column:active;not null;default:false"`

	// ChannelID is the channel the scene is performed in
	ChannelID string `json:"channel_id" gorm:"type:string"`

	// StartedBy is the Discord user ID that started the scene, empty
	// when started via the API
	StartedBy string `json:"started_by" gorm:"column:started_by;type:string"`

	StartedAt int64 `json:"started_at" gorm:"column:started_at"`
	EndedAt   int64 `json:"ended_at" gorm:"column:ended_at"`
	StoppedAt int64 `json:"stopped_at" gorm:"column:stopped_at"`
}

func (p ScenePlayback) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(p.ID)),
		slog.String("scene_name", p.SceneName),
		slog.String("current_node", p.CurrentNode),
		slog.String("next_speaker", p.NextSpeaker),
		slog.Bool("waiting_for_choice", p.WaitingForChoice),
		slog.Bool("active", p.Active),
	)
}

// PlaybackStatus is the status payload returned by /scenestatus and
// the API.
type PlaybackStatus struct {
	Active           bool     `json:"active"`
	Scene            string   `json:"scene,omitempty"`
	CurrentNode      string   `json:"current_node,omitempty"`
	NextSpeaker      string   `json:"next_speaker,omitempty"`
	WaitingForChoice bool     `json:"waiting_for_choice"`
	Choices          []string `json:"choices,omitempty"`
	StartedAt        int64    `json:"started_at,omitempty"`
	EndedAt          int64    `json:"ended_at,omitempty"`
	StoppedAt        int64    `json:"stopped_at,omitempty"`
}

// Stage coordinates scene playback through the shared database. All
// state transitions go through it, so character processes always agree
// on whose turn it is.
type Stage struct {
	db       DBI
	library  *SceneLibrary
	notifier DBNotifier
	logger   *slog.Logger
}

func NewStage(
	db DBI,
	library *SceneLibrary,
	notifier DBNotifier,
	logger *slog.Logger,
) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		db:       db,
		library:  library,
		notifier: notifier,
		logger:   logger.With(loggerNameKey, "stage"),
	}
}

// ActivePlayback returns the currently active playback, or
// ErrNoActiveScene.
func (s *Stage) ActivePlayback(ctx context.Context) (*ScenePlayback, error) {
	var playback ScenePlayback
	err := s.db.DB().WithContext(ctx).Where(
		"active = ?", true,
	).Last(&playback).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveScene
		}
		return nil, err
	}
	return &playback, nil
}

// Start begins performing the named scene in the given channel. Only one
// scene may be active at a time.
func (s *Stage) Start(
	ctx context.Context,
	sceneName string,
	channelID string,
	startedBy string,
) (*ScenePlayback, error) {
	scene, ok := s.library.Get(sceneName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScene, sceneName)
	}
	startNode, ok := scene.Node(SceneStartNode)
	if !ok {
		// Load() validates this, but the library may have reloaded since
		return nil, fmt.Errorf(
			"%w: %s has no start node", ErrUnknownScene, sceneName,
		)
	}

	if _, err := s.ActivePlayback(ctx); err == nil {
		return nil, ErrSceneActive
	} else if !errors.Is(err, ErrNoActiveScene) {
		return nil, err
	}

	playback := &ScenePlayback{
		SceneName:   sceneName,
		CurrentNode: SceneStartNode,
		NextSpeaker: startNode.Speaker,
		Active:      true,
		ChannelID:   channelID,
		StartedBy:   startedBy,
		StartedAt:   time.Now().UTC().UnixMilli(),
	}
	if _, err := s.db.Create(ctx, playback); err != nil {
		return nil, fmt.Errorf("error creating scene playback: %w", err)
	}

	s.logger.InfoContext(
		ctx,
		"scene started",
		"playback", playback,
		"started_by", startedBy,
	)
	s.notifier.PlaybackUpdated(ctx)
	return playback, nil
}

// Advance moves the active playback past its current node, after that
// node has been performed. If the node's transition requires a choice,
// the playback pauses with WaitingForChoice set instead.
func (s *Stage) Advance(ctx context.Context) (*ScenePlayback, error) {
	playback, err := s.ActivePlayback(ctx)
	if err != nil {
		return nil, err
	}

	scene, ok := s.library.Get(playback.SceneName)
	if !ok {
		// Scene file disappeared mid-playback. End the scene rather
		// than leave every character stuck.
		s.logger.Warn(
			"active scene missing from library, ending",
			"playback", playback,
		)
		return s.finish(ctx, playback, columnPlaybackEndedAt)
	}

	node, ok := scene.Node(playback.CurrentNode)
	if !ok {
		s.logger.Warn(
			"current node missing from scene, ending",
			"playback", playback,
		)
		return s.finish(ctx, playback, columnPlaybackEndedAt)
	}

	if node.Next.End {
		return s.finish(ctx, playback, columnPlaybackEndedAt)
	}

	if node.Next.IsChoice() {
		playback.WaitingForChoice = true
		playback.ChoicePrompted = false
		playback.NextSpeaker = ""
		_, err = s.db.PlaybackUpdates(
			ctx, playback, map[string]any{
				columnPlaybackWaiting:  true,
				columnPlaybackPrompted: false,
				columnNextSpeaker:      "",
			},
		)
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "scene waiting for choice", "playback", playback)
		s.notifier.PlaybackUpdated(ctx)
		return playback, nil
	}

	nextName, err := node.Next.Resolve("")
	if err != nil {
		return nil, err
	}
	return s.moveTo(ctx, playback, scene, nextName)
}

// Choose resolves a pending choice, resuming playback on the chosen
// branch.
func (s *Stage) Choose(ctx context.Context, choice string) (*ScenePlayback, error) {
	playback, err := s.ActivePlayback(ctx)
	if err != nil {
		return nil, err
	}
	if !playback.WaitingForChoice {
		return nil, ErrNoChoicePending
	}

	scene, ok := s.library.Get(playback.SceneName)
	if !ok {
		return s.finish(ctx, playback, columnPlaybackEndedAt)
	}
	node, ok := scene.Node(playback.CurrentNode)
	if !ok {
		return s.finish(ctx, playback, columnPlaybackEndedAt)
	}

	nextName, err := node.Next.Resolve(choice)
	if err != nil {
		return nil, err
	}
	return s.moveTo(ctx, playback, scene, nextName)
}

// Stop halts the active playback.
func (s *Stage) Stop(ctx context.Context) (*ScenePlayback, error) {
	playback, err := s.ActivePlayback(ctx)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, playback, columnPlaybackStoppedAt)
}

// Status returns the current playback status, including the most
// recently finished playback when nothing is active.
func (s *Stage) Status(ctx context.Context) (PlaybackStatus, error) {
	playback, err := s.ActivePlayback(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoActiveScene) {
			return PlaybackStatus{}, err
		}
		var last ScenePlayback
		lastErr := s.db.DB().WithContext(ctx).Last(&last).Error
		if lastErr != nil {
			if errors.Is(lastErr, gorm.ErrRecordNotFound) {
				return PlaybackStatus{Active: false}, nil
			}
			return PlaybackStatus{}, lastErr
		}
		return PlaybackStatus{
			Active:    false,
			Scene:     last.SceneName,
			StartedAt: last.StartedAt,
			EndedAt:   last.EndedAt,
			StoppedAt: last.StoppedAt,
		}, nil
	}
	status := PlaybackStatus{
		Active:           true,
		Scene:            playback.SceneName,
		CurrentNode:      playback.CurrentNode,
		NextSpeaker:      playback.NextSpeaker,
		WaitingForChoice: playback.WaitingForChoice,
		StartedAt:        playback.StartedAt,
	}
	if playback.WaitingForChoice {
		status.Choices = s.PendingChoices(playback)
	}
	return status, nil
}

// PendingChoices returns the choice labels for a playback waiting on a
// choice, or nil.
func (s *Stage) PendingChoices(playback *ScenePlayback) []string {
	if playback == nil || !playback.WaitingForChoice {
		return nil
	}
	scene, ok := s.library.Get(playback.SceneName)
	if !ok {
		return nil
	}
	node, ok := scene.Node(playback.CurrentNode)
	if !ok {
		return nil
	}
	return node.Next.ChoiceLabels()
}

// MarkChoicePrompted records that the choice buttons for the current
// pending choice have been posted.
func (s *Stage) MarkChoicePrompted(
	ctx context.Context,
	playback *ScenePlayback,
) error {
	playback.ChoicePrompted = true
	_, err := s.db.PlaybackUpdates(
		ctx, playback, map[string]any{columnPlaybackPrompted: true},
	)
	return err
}

// moveTo advances the playback to the named node, recording its speaker.
func (s *Stage) moveTo(
	ctx context.Context,
	playback *ScenePlayback,
	scene *Scene,
	nodeName string,
) (*ScenePlayback, error) {
	if nodeName == "" {
		return s.finish(ctx, playback, columnPlaybackEndedAt)
	}
	node, ok := scene.Node(nodeName)
	if !ok {
		return nil, fmt.Errorf(
			"next node %q not found in scene %q", nodeName, scene.Name,
		)
	}

	playback.CurrentNode = nodeName
	playback.NextSpeaker = node.Speaker
	playback.WaitingForChoice = false
	playback.ChoicePrompted = false
	_, err := s.db.PlaybackUpdates(
		ctx, playback, map[string]any{
			columnCurrentNode:      nodeName,
			columnNextSpeaker:      node.Speaker,
			columnPlaybackWaiting:  false,
			columnPlaybackPrompted: false,
		},
	)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "scene advanced", "playback", playback)
	s.notifier.PlaybackUpdated(ctx)
	return playback, nil
}

// finish deactivates the playback, stamping either ended_at or
// stopped_at depending on how it finished.
func (s *Stage) finish(
	ctx context.Context,
	playback *ScenePlayback,
	stampColumn string,
) (*ScenePlayback, error) {
	now := time.Now().UTC().UnixMilli()
	updates := map[string]any{
		columnPlaybackActive:   false,
		columnCurrentNode:      "",
		columnNextSpeaker:      "",
		columnPlaybackWaiting:  false,
		columnPlaybackPrompted: false,
		stampColumn:            now,
	}
	playback.Active = false
	playback.CurrentNode = ""
	playback.NextSpeaker = ""
	playback.WaitingForChoice = false
	if stampColumn == columnPlaybackStoppedAt {
		playback.StoppedAt = now
	} else {
		playback.EndedAt = now
	}

	if _, err := s.db.PlaybackUpdates(ctx, playback, updates); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "scene finished", "playback", playback)
	s.notifier.PlaybackUpdated(ctx)
	return playback, nil
}
