package sweetpeep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
)

const (
	// SceneStartNode is the node every scene begins at.
	SceneStartNode = "start"

	// sceneChoiceContinue is the choice key used for a plain
	// 'keep going' branch.
	sceneChoiceContinue = "continue"

	sceneFileExt = ".json"

	defaultNodeWaitSeconds = 2
)

// SceneNode is a single beat of dialogue: who speaks, what they say,
// how long to pause afterwards, and where the scene goes next.
type SceneNode struct {
	// Speaker must match a configured character name
	Speaker string `json:"speaker"`

	// Text is the dialogue line, sent as '**Speaker:** text'
	Text string `json:"text"`

	// Wait is the pause after this line, in seconds. Defaults to 2.
	Wait float64 `json:"wait,omitempty"`

	// Next determines the following node
	Next NodeNext `json:"next"`
}

// WaitSeconds returns the node's pause, applying the default when unset.
func (n SceneNode) WaitSeconds() float64 {
	if n.Wait <= 0 {
		return defaultNodeWaitSeconds
	}
	return n.Wait
}

// NodeNext is the 'next' field of a scene node. It takes one of three
// JSON forms:
//   - null (or absent): the scene ends after this node
//   - a string: the name of the next node
//   - an object: a set of named choices mapping to node names. Playback
//     pauses until a choice is made, except when the only key is
//     "continue", which advances immediately.
type NodeNext struct {
	Node    string            `json:"-"`
	Choices map[string]string `json:"-"`
	End     bool              `json:"-"`
}

// IsChoice reports whether this transition requires a choice from
// the audience.
func (n NodeNext) IsChoice() bool {
	if len(n.Choices) == 0 {
		return false
	}
	_, autoContinue := n.Choices[sceneChoiceContinue]
	return !(autoContinue && len(n.Choices) == 1)
}

// Resolve returns the next node name for the given choice. An empty
// choice resolves plain transitions, 'continue' branches, and
// single-choice objects; otherwise the choice must name a branch.
func (n NodeNext) Resolve(choice string) (string, error) {
	if n.End {
		return "", nil
	}
	if n.Node != "" {
		return n.Node, nil
	}
	if len(n.Choices) == 0 {
		return "", nil
	}
	if choice != "" {
		target, ok := n.Choices[choice]
		if !ok {
			return "", fmt.Errorf("unknown choice: %q", choice)
		}
		return target, nil
	}
	if target, ok := n.Choices[sceneChoiceContinue]; ok {
		return target, nil
	}
	// no explicit choice given, fall back to the first branch by name
	keys := make([]string, 0, len(n.Choices))
	for k := range n.Choices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return n.Choices[keys[0]], nil
}

// ChoiceLabels returns the choice names in sorted order.
func (n NodeNext) ChoiceLabels() []string {
	labels := make([]string, 0, len(n.Choices))
	for k := range n.Choices {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (n *NodeNext) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*n = NodeNext{End: true}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var node string
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		*n = NodeNext{Node: node}
		return nil
	}
	var choices map[string]string
	if err := json.Unmarshal(data, &choices); err != nil {
		return fmt.Errorf("invalid next node format: %w", err)
	}
	*n = NodeNext{Choices: choices}
	return nil
}

// MarshalJSON implements the json.Marshaller interface.
func (n NodeNext) MarshalJSON() ([]byte, error) {
	switch {
	case n.End:
		return []byte("null"), nil
	case n.Node != "":
		return json.Marshal(n.Node)
	case len(n.Choices) > 0:
		return json.Marshal(n.Choices)
	default:
		return []byte("null"), nil
	}
}

// Scene is a named dialogue graph loaded from a JSON file. The file is
// a flat object mapping node names to [SceneNode] entries, and must
// contain a 'start' node.
type Scene struct {
	// Name is the scene's filename, without the .json extension
	Name string `json:"name"`

	Nodes map[string]SceneNode `json:"nodes"`
}

// Speakers returns the distinct speaker names in the scene, sorted.
func (s Scene) Speakers() []string {
	seen := map[string]bool{}
	for _, node := range s.Nodes {
		if node.Speaker != "" {
			seen[node.Speaker] = true
		}
	}
	speakers := make([]string, 0, len(seen))
	for name := range seen {
		speakers = append(speakers, name)
	}
	sort.Strings(speakers)
	return speakers
}

// Node returns the named node, or false if it doesn't exist.
func (s Scene) Node(name string) (SceneNode, bool) {
	node, ok := s.Nodes[name]
	return node, ok
}

// SceneValidation is the result of validating a scene graph.
type SceneValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Nodes    int      `json:"nodes"`
	Speakers []string `json:"speakers"`
}

// Validate checks the scene graph: a start node must exist, every node
// needs a speaker and text, and every transition must reference an
// existing node.
func (s Scene) Validate() SceneValidation {
	result := SceneValidation{Nodes: len(s.Nodes)}

	if _, ok := s.Nodes[SceneStartNode]; !ok {
		result.Errors = append(
			result.Errors,
			fmt.Sprintf("missing %q node", SceneStartNode),
		)
	}

	nodeNames := make([]string, 0, len(s.Nodes))
	for name := range s.Nodes {
		nodeNames = append(nodeNames, name)
	}
	sort.Strings(nodeNames)

	for _, name := range nodeNames {
		node := s.Nodes[name]
		if node.Speaker == "" {
			result.Errors = append(
				result.Errors,
				fmt.Sprintf("node %q missing 'speaker' field", name),
			)
		}
		if node.Text == "" {
			result.Errors = append(
				result.Errors,
				fmt.Sprintf("node %q missing 'text' field", name),
			)
		}

		next := node.Next
		if next.End {
			continue
		}
		if next.Node != "" {
			if _, ok := s.Nodes[next.Node]; !ok {
				result.Errors = append(
					result.Errors,
					fmt.Sprintf(
						"node %q references non-existent next node %q",
						name, next.Node,
					),
				)
			}
			continue
		}
		for _, choice := range next.ChoiceLabels() {
			target := next.Choices[choice]
			if _, ok := s.Nodes[target]; !ok {
				result.Errors = append(
					result.Errors,
					fmt.Sprintf(
						"node %q choice %q references non-existent node %q",
						name, choice, target,
					),
				)
			}
		}
	}

	result.Speakers = s.Speakers()
	result.Valid = len(result.Errors) == 0
	return result
}

// LoadScene reads and parses a scene file. The scene name is taken
// from the filename.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading scene file: %w", err)
	}

	var nodes map[string]SceneNode
	if err = json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("invalid scene file %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), sceneFileExt)
	return &Scene{Name: name, Nodes: nodes}, nil
}

// SceneLibrary holds the scenes loaded from the scene directory, and
// optionally reloads them when the directory changes.
type SceneLibrary struct {
	dir    string
	mu     sync.RWMutex
	scenes map[string]*Scene

	// invalid maps scene names to their validation failures, so
	// status commands can say why a scene isn't available
	invalid map[string]SceneValidation

	logger *slog.Logger
}

func NewSceneLibrary(dir string, logger *slog.Logger) *SceneLibrary {
	if logger == nil {
		logger = slog.Default()
	}
	return &SceneLibrary{
		dir:     dir,
		scenes:  map[string]*Scene{},
		invalid: map[string]SceneValidation{},
		logger:  logger.With(loggerNameKey, "scene_library"),
	}
}

// Load scans the scene directory, parsing and validating every .json
// file. Invalid scenes are excluded from the library but remembered,
// with their errors. Returns the number of scenes loaded.
func (l *SceneLibrary) Load() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("error reading scene directory: %w", err)
	}

	scenes := map[string]*Scene{}
	invalid := map[string]SceneValidation{}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sceneFileExt) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		scene, loadErr := LoadScene(path)
		if loadErr != nil {
			l.logger.Warn(
				"skipping unreadable scene file",
				"path", path,
				tint.Err(loadErr),
			)
			invalid[strings.TrimSuffix(entry.Name(), sceneFileExt)] = SceneValidation{
				Errors: []string{loadErr.Error()},
			}
			continue
		}
		validation := scene.Validate()
		if !validation.Valid {
			l.logger.Warn(
				"skipping invalid scene",
				"scene", scene.Name,
				"errors", validation.Errors,
			)
			invalid[scene.Name] = validation
			continue
		}
		scenes[scene.Name] = scene
	}

	l.mu.Lock()
	l.scenes = scenes
	l.invalid = invalid
	l.mu.Unlock()

	l.logger.Info(
		"scene library loaded",
		"scenes", len(scenes),
		"invalid", len(invalid),
	)
	return len(scenes), nil
}

// Get returns the named scene, or false if it isn't in the library.
func (l *SceneLibrary) Get(name string) (*Scene, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	scene, ok := l.scenes[name]
	return scene, ok
}

// Names returns the names of all loaded scenes, sorted.
func (l *SceneLibrary) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.scenes))
	for name := range l.scenes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalid returns validation failures for scenes that couldn't be loaded.
func (l *SceneLibrary) Invalid() map[string]SceneValidation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rv := make(map[string]SceneValidation, len(l.invalid))
	for k, v := range l.invalid {
		rv[k] = v
	}
	return rv
}

// Watch reloads the library when scene files change, until ctx is
// canceled. Blocks, so run it in a goroutine.
func (l *SceneLibrary) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating scene watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err = watcher.Add(l.dir); err != nil {
		return fmt.Errorf("error watching scene directory: %w", err)
	}
	l.logger.Info("watching scene directory", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, sceneFileExt) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Info(
				"scene file changed, reloading library",
				"file", event.Name,
				"op", event.Op.String(),
			)
			if _, loadErr := l.Load(); loadErr != nil {
				l.logger.Error("error reloading scenes", tint.Err(loadErr))
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if watchErr != nil && !errors.Is(watchErr, fsnotify.ErrEventOverflow) {
				l.logger.Error("scene watcher error", tint.Err(watchErr))
			}
		}
	}
}
