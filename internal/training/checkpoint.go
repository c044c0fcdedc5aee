package training

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mitchelldurbincs/platformer-dqn/internal/qnet"
)

const manifestName = "manifest.json"

// CheckpointConfig controls where and how often weights are saved.
type CheckpointConfig struct {
	Dir string
	// NameScheme is a format string taking the episode number.
	NameScheme string
	Interval   int
}

// Manifest describes the run state stored next to a checkpoint.
type Manifest struct {
	RunID         string
	Episode       int
	FrameCount    int64
	Epsilon       float64
	RunningReward float64
	SavedAt       time.Time
}

// Checkpointer saves weights to <Dir>/<episode>/<NameScheme(episode)>
// together with a manifest.
type Checkpointer struct {
	cfg    CheckpointConfig
	logger zerolog.Logger
}

func NewCheckpointer(cfg CheckpointConfig, logger zerolog.Logger) *Checkpointer {
	if cfg.NameScheme == "" {
		cfg.NameScheme = "weightsE%d.bin"
	}
	return &Checkpointer{
		cfg:    cfg,
		logger: logger.With().Str("component", "checkpointer").Logger(),
	}
}

// Due reports whether episode should be checkpointed.
func (c *Checkpointer) Due(episode int) bool {
	return c.cfg.Interval > 0 && episode%c.cfg.Interval == 0
}

// Path returns the weights file for episode.
func (c *Checkpointer) Path(episode int) string {
	return filepath.Join(c.episodeDir(episode), fmt.Sprintf(c.cfg.NameScheme, episode))
}

func (c *Checkpointer) episodeDir(episode int) string {
	return filepath.Join(c.cfg.Dir, strconv.Itoa(episode))
}

// Save writes the model weights and the manifest for m.Episode.
func (c *Checkpointer) Save(model qnet.QFunction, m Manifest) error {
	path := c.Path(m.Episode)
	if err := model.Save(path); err != nil {
		return fmt.Errorf("save weights for episode %d: %w", m.Episode, err)
	}

	if m.SavedAt.IsZero() {
		m.SavedAt = time.Now()
	}
	st, err := structpb.NewStruct(map[string]interface{}{
		"run_id":         m.RunID,
		"episode":        m.Episode,
		"frame_count":    m.FrameCount,
		"epsilon":        m.Epsilon,
		"running_reward": m.RunningReward,
		"saved_at":       m.SavedAt.UTC().Format(time.RFC3339Nano),
		"weights":        filepath.Base(path),
	})
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.episodeDir(m.Episode), manifestName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	c.logger.Info().
		Int("episode", m.Episode).
		Str("path", path).
		Msg("Saved checkpoint")
	return nil
}

// LoadManifest reads the manifest stored for episode.
func (c *Checkpointer) LoadManifest(episode int) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(c.episodeDir(episode), manifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var st structpb.Struct
	if err := protojson.Unmarshal(data, &st); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}

	fields := st.GetFields()
	m := Manifest{
		RunID:         fields["run_id"].GetStringValue(),
		Episode:       int(fields["episode"].GetNumberValue()),
		FrameCount:    int64(fields["frame_count"].GetNumberValue()),
		Epsilon:       fields["epsilon"].GetNumberValue(),
		RunningReward: fields["running_reward"].GetNumberValue(),
	}
	if ts := fields["saved_at"].GetStringValue(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.SavedAt = t
		}
	}
	return m, nil
}

// Restore loads the weights and manifest saved for episode.
func (c *Checkpointer) Restore(model qnet.QFunction, episode int) (Manifest, error) {
	m, err := c.LoadManifest(episode)
	if err != nil {
		return Manifest{}, err
	}
	if err := model.Load(c.Path(episode)); err != nil {
		return Manifest{}, fmt.Errorf("load weights for episode %d: %w", episode, err)
	}
	c.logger.Info().
		Int("episode", m.Episode).
		Int64("frame_count", m.FrameCount).
		Str("run_id", m.RunID).
		Msg("Restored checkpoint")
	return m, nil
}
