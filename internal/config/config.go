package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Training   TrainingConfig   `mapstructure:"training"`
	Reward     RewardConfig     `mapstructure:"reward"`
	Model      ModelConfig      `mapstructure:"model"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Status     StatusConfig     `mapstructure:"status"`
	Viewer     ViewerConfig     `mapstructure:"viewer"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
}

// BridgeConfig holds frame grabber process and protocol settings
type BridgeConfig struct {
	Command           string        `mapstructure:"command"`
	Args              []string      `mapstructure:"args"`
	Width             int           `mapstructure:"width"`
	Height            int           `mapstructure:"height"`
	DownsampleFactor  int           `mapstructure:"downsample_factor"`
	FrameStack        int           `mapstructure:"frame_stack"`
	HoldAction        bool          `mapstructure:"hold_action"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	TerminationPolicy string        `mapstructure:"termination_policy"`
	ExpectedWorld     string        `mapstructure:"expected_world"`
	StallThreshold    time.Duration `mapstructure:"stall_threshold"`
	Keys              []string      `mapstructure:"keys"`
	Actions           []string      `mapstructure:"actions"`
}

// TrainingConfig holds DQN loop hyperparameters
type TrainingConfig struct {
	Discount            float64   `mapstructure:"discount"`
	EpsilonMax          float64   `mapstructure:"epsilon_max"`
	EpsilonMin          float64   `mapstructure:"epsilon_min"`
	EpsilonRandomFrames int64     `mapstructure:"epsilon_random_frames"`
	EpsilonGreedyFrames int64     `mapstructure:"epsilon_greedy_frames"`
	BatchSize           int       `mapstructure:"batch_size"`
	MaxMemory           int       `mapstructure:"max_memory"`
	UpdateAfterActions  int64     `mapstructure:"update_after_actions"`
	UpdateTargetNetwork int64     `mapstructure:"update_target_network"`
	WarmupActionWeights []float64 `mapstructure:"warmup_action_weights"`
	SolvedThreshold     float64   `mapstructure:"solved_threshold"`
	RewardWindow        int       `mapstructure:"reward_window"`
	MaxEpisodes         int       `mapstructure:"max_episodes"`
	Seed                int64     `mapstructure:"seed"`
}

// RewardConfig holds reward shaping weights
type RewardConfig struct {
	CoinWeight         float64 `mapstructure:"coin_weight"`
	PenaltyPerTimeUnit float64 `mapstructure:"penalty_per_time_unit"`
	OneUpWeight        float64 `mapstructure:"one_up_weight"`
	GameTimeLimit      int     `mapstructure:"game_time_limit"`
	InitialLives       int     `mapstructure:"initial_lives"`
}

// ModelConfig holds Q-network optimiser settings
type ModelConfig struct {
	LearningRate float64 `mapstructure:"learning_rate"`
	ClipNorm     float64 `mapstructure:"clip_norm"`
	HuberDelta   float64 `mapstructure:"huber_delta"`
	InitScale    float64 `mapstructure:"init_scale"`
}

// CheckpointConfig holds weight backup settings
type CheckpointConfig struct {
	Dir        string `mapstructure:"dir"`
	NameScheme string `mapstructure:"name_scheme"`
	Interval   int    `mapstructure:"interval"`
	// ResumeEpisode is the checkpoint to continue from; negative starts fresh
	ResumeEpisode int `mapstructure:"resume_episode"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitoringConfig holds round-trip latency monitor settings
type MonitoringConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	SlowRoundTrip  time.Duration `mapstructure:"slow_round_trip"`
}

// StatusConfig holds the gRPC health server settings
type StatusConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Reflection bool   `mapstructure:"reflection"`
}

// ViewerConfig holds preview window settings
type ViewerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Title   string `mapstructure:"title"`
	Scale   int    `mapstructure:"scale"`
}

// TrackerConfig holds episode tracker settings
type TrackerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var (
	cfg *Config
	v   *viper.Viper
	// overlay holds the environment config merged over the base file
	overlay map[string]interface{}
)

// setViperDefaults sets all default values in viper
func setViperDefaults(v *viper.Viper) {
	// Bridge defaults
	v.SetDefault("bridge.command", "node")
	v.SetDefault("bridge.args", []string{"../frame-grabber-and-input/dist/main.js"})
	v.SetDefault("bridge.width", 600)
	v.SetDefault("bridge.height", 432)
	v.SetDefault("bridge.downsample_factor", 4)
	v.SetDefault("bridge.frame_stack", 4)
	v.SetDefault("bridge.hold_action", false)
	v.SetDefault("bridge.poll_interval", time.Second)
	v.SetDefault("bridge.termination_policy", "explicit")
	v.SetDefault("bridge.expected_world", "1-1")
	v.SetDefault("bridge.stall_threshold", 500*time.Millisecond)
	v.SetDefault("bridge.keys", []string{"w", "a", "d", "shift"})
	v.SetDefault("bridge.actions", []string{
		"w", "a", "d", "w|a", "w|d", "w|a|shift", "w|d|shift", "w|shift", "d|shift", "a|shift",
	})

	// Training defaults
	v.SetDefault("training.discount", 0.99)
	v.SetDefault("training.epsilon_max", 0.8)
	v.SetDefault("training.epsilon_min", 0.1)
	v.SetDefault("training.epsilon_random_frames", 10000)
	v.SetDefault("training.epsilon_greedy_frames", 1000000)
	v.SetDefault("training.batch_size", 32)
	v.SetDefault("training.max_memory", 10000)
	v.SetDefault("training.update_after_actions", 4)
	v.SetDefault("training.update_target_network", 10000)
	v.SetDefault("training.warmup_action_weights", []float64{
		0.125, 0.0625, 0.125, 0.0625, 0.125, 0.0625, 0.125, 0.125, 0.125, 0.0625,
	})
	v.SetDefault("training.solved_threshold", 500000)
	v.SetDefault("training.reward_window", 100)
	v.SetDefault("training.max_episodes", 0)
	v.SetDefault("training.seed", 0)

	// Reward defaults
	v.SetDefault("reward.coin_weight", 200)
	v.SetDefault("reward.penalty_per_time_unit", 0)
	v.SetDefault("reward.one_up_weight", 1000)
	v.SetDefault("reward.game_time_limit", 400)
	v.SetDefault("reward.initial_lives", 3)

	// Model defaults
	v.SetDefault("model.learning_rate", 0.00025)
	v.SetDefault("model.clip_norm", 1.0)
	v.SetDefault("model.huber_delta", 1.0)
	v.SetDefault("model.init_scale", 0.01)

	// Checkpoint defaults
	v.SetDefault("checkpoint.dir", "weights")
	v.SetDefault("checkpoint.name_scheme", "weightsE%d.bin")
	v.SetDefault("checkpoint.interval", 10)
	v.SetDefault("checkpoint.resume_episode", -1)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.report_interval", 30*time.Second)
	v.SetDefault("monitoring.slow_round_trip", 250*time.Millisecond)

	// Status defaults
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.address", "127.0.0.1:50061")
	v.SetDefault("status.reflection", false)

	// Viewer defaults
	v.SetDefault("viewer.enabled", false)
	v.SetDefault("viewer.title", "Game preview")
	v.SetDefault("viewer.scale", 1)

	// Tracker defaults
	v.SetDefault("tracker.enabled", true)
	v.SetDefault("tracker.path", "runs/episodes.jsonl")
}

// Init initializes the configuration
func Init(configPath string) error {
	v = viper.New()
	overlay = nil

	// Set defaults before loading any config
	setViperDefaults(v)

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/platformer-dqn")
	}

	// Set environment variable prefix
	v.SetEnvPrefix("PDQN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file; only a missing file falls back to defaults
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// Validate configuration
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		// Initialize with defaults if not already initialized
		if err := Init(""); err != nil {
			panic("failed to initialize config with defaults: " + err.Error())
		}
	}
	return cfg
}

// LoadEnvironmentConfig merges config.<env>.yaml from the working
// directory over the loaded config. A missing overlay is not an error.
func LoadEnvironmentConfig(env string) error {
	if env == "" {
		return nil
	}

	envFile := fmt.Sprintf("config.%s.yaml", env)
	if _, err := os.Stat(envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error checking environment config %s: %w", envFile, err)
	}

	// A separate reader keeps the base file as the one being watched
	ov := viper.New()
	ov.SetConfigFile(envFile)
	if err := ov.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading environment config %s: %w", envFile, err)
	}
	overlay = ov.AllSettings()
	if err := v.MergeConfigMap(overlay); err != nil {
		return fmt.Errorf("error merging environment config %s: %w", envFile, err)
	}

	// Re-unmarshal with merged config
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to decode merged config into struct: %w", err)
	}

	return Validate(cfg)
}

// GetString gets a string value from config
func GetString(key string) string {
	return v.GetString(key)
}

// ConfigFilePath returns the path of the loaded config file
func ConfigFilePath() string {
	return v.ConfigFileUsed()
}

// WatchConfig enables hot-reloading of config file
func WatchConfig(onChange func()) {
	watched, target, merged := v, cfg, overlay
	watched.OnConfigChange(func(e fsnotify.Event) {
		// A reload drops merged values, so the overlay goes back on top
		if merged != nil {
			_ = watched.MergeConfigMap(merged)
		}
		_ = watched.Unmarshal(target)
		if onChange != nil {
			onChange()
		}
	})
	watched.WatchConfig()
}

// Validate validates the configuration
func Validate(c *Config) error {
	// Validate bridge configuration
	if c.Bridge.Command == "" {
		return fmt.Errorf("bridge.command must not be empty")
	}
	if c.Bridge.Width <= 0 || c.Bridge.Height <= 0 {
		return fmt.Errorf("bridge window dimensions must be positive")
	}
	if c.Bridge.DownsampleFactor < 1 {
		return fmt.Errorf("bridge.downsample_factor must be at least 1")
	}
	if c.Bridge.FrameStack < 1 {
		return fmt.Errorf("bridge.frame_stack must be at least 1")
	}
	if c.Bridge.PollInterval < 0 {
		return fmt.Errorf("bridge.poll_interval must be non-negative")
	}
	switch c.Bridge.TerminationPolicy {
	case "explicit":
		if c.Bridge.ExpectedWorld == "" {
			return fmt.Errorf("bridge.expected_world is required for the explicit termination policy")
		}
	case "stall":
		if c.Bridge.StallThreshold <= 0 {
			return fmt.Errorf("bridge.stall_threshold must be positive")
		}
	default:
		return fmt.Errorf("bridge.termination_policy must be \"explicit\" or \"stall\", got %q", c.Bridge.TerminationPolicy)
	}
	if len(c.Bridge.Actions) == 0 {
		return fmt.Errorf("bridge.actions must not be empty")
	}

	// Validate training configuration
	if c.Training.Discount < 0 || c.Training.Discount > 1 {
		return fmt.Errorf("training.discount must be between 0 and 1")
	}
	if c.Training.EpsilonMin < 0 || c.Training.EpsilonMax > 1 || c.Training.EpsilonMin > c.Training.EpsilonMax {
		return fmt.Errorf("training epsilon must satisfy 0 <= epsilon_min <= epsilon_max <= 1")
	}
	if c.Training.EpsilonRandomFrames < 0 || c.Training.EpsilonGreedyFrames < 0 {
		return fmt.Errorf("training epsilon frame counts must be non-negative")
	}
	if c.Training.BatchSize <= 0 {
		return fmt.Errorf("training.batch_size must be positive")
	}
	if c.Training.MaxMemory < c.Training.BatchSize {
		return fmt.Errorf("training.max_memory must be at least training.batch_size")
	}
	if c.Training.UpdateAfterActions <= 0 || c.Training.UpdateTargetNetwork <= 0 {
		return fmt.Errorf("training update intervals must be positive")
	}
	if n := len(c.Training.WarmupActionWeights); n != 0 && n != len(c.Bridge.Actions) {
		return fmt.Errorf("training.warmup_action_weights has %d entries for %d actions", n, len(c.Bridge.Actions))
	}
	if c.Training.RewardWindow <= 0 {
		return fmt.Errorf("training.reward_window must be positive")
	}
	if c.Training.MaxEpisodes < 0 {
		return fmt.Errorf("training.max_episodes must be non-negative")
	}

	// Validate reward configuration
	if c.Reward.InitialLives < 0 {
		return fmt.Errorf("reward.initial_lives must be non-negative")
	}

	// Validate model configuration
	if c.Model.LearningRate <= 0 {
		return fmt.Errorf("model.learning_rate must be positive")
	}
	if c.Model.ClipNorm < 0 {
		return fmt.Errorf("model.clip_norm must be non-negative")
	}
	if c.Model.HuberDelta <= 0 {
		return fmt.Errorf("model.huber_delta must be positive")
	}

	// Validate checkpoint configuration
	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint.interval must be non-negative")
	}
	if c.Checkpoint.Interval > 0 && c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir must be set when checkpointing is enabled")
	}
	if !strings.Contains(c.Checkpoint.NameScheme, "%d") {
		return fmt.Errorf("checkpoint.name_scheme must contain %%d for the episode number")
	}

	// Validate logging configuration
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\"")
	}

	// Validate optional services
	if c.Status.Enabled && c.Status.Address == "" {
		return fmt.Errorf("status.address must be set when the status server is enabled")
	}
	if c.Viewer.Scale < 1 {
		return fmt.Errorf("viewer.scale must be at least 1")
	}
	if c.Tracker.Enabled && c.Tracker.Path == "" {
		return fmt.Errorf("tracker.path must be set when the tracker is enabled")
	}
	if c.Monitoring.Enabled && c.Monitoring.ReportInterval <= 0 {
		return fmt.Errorf("monitoring.report_interval must be positive")
	}

	return nil
}
