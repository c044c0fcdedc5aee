package training

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// EpisodeRecord is one finished episode.
type EpisodeRecord struct {
	RunID         string
	Episode       int
	Reward        float64
	Steps         int
	FrameCount    int64
	RunningReward float64
	Epsilon       float64
}

// Tracker appends one JSON line per finished episode.
type Tracker struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger zerolog.Logger
}

// NewTracker opens path for appending, creating parent directories.
func NewTracker(path string, logger zerolog.Logger) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tracker directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker file: %w", err)
	}
	return &Tracker{
		file:   f,
		path:   path,
		logger: logger.With().Str("component", "episode_tracker").Logger(),
	}, nil
}

// Record appends rec.
func (t *Tracker) Record(rec EpisodeRecord) error {
	st, err := structpb.NewStruct(map[string]interface{}{
		"run_id":         rec.RunID,
		"episode":        rec.Episode,
		"reward":         rec.Reward,
		"steps":          rec.Steps,
		"frame_count":    rec.FrameCount,
		"running_reward": rec.RunningReward,
		"epsilon":        rec.Epsilon,
	})
	if err != nil {
		return fmt.Errorf("failed to build episode record: %w", err)
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal episode record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write episode record: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to sync tracker file")
	}
	return t.file.Close()
}

// ReadEpisodes loads every record stored at path.
func ReadEpisodes(path string) ([]EpisodeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []EpisodeRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var st structpb.Struct
		if err := protojson.Unmarshal(line, &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal episode record: %w", err)
		}
		fields := st.GetFields()
		records = append(records, EpisodeRecord{
			RunID:         fields["run_id"].GetStringValue(),
			Episode:       int(fields["episode"].GetNumberValue()),
			Reward:        fields["reward"].GetNumberValue(),
			Steps:         int(fields["steps"].GetNumberValue()),
			FrameCount:    int64(fields["frame_count"].GetNumberValue()),
			RunningReward: fields["running_reward"].GetNumberValue(),
			Epsilon:       fields["epsilon"].GetNumberValue(),
		})
	}
	return records, scanner.Err()
}
