package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Dataset     DatasetConfig  `toml:"dataset"`
	Dispatch    DispatchConfig `toml:"dispatch"`
	Browser     BrowserConfig  `toml:"browser"`
	Storage     StorageConfig  `toml:"storage"`
	Schedule    ScheduleConfig `toml:"schedule"`
	Logging     LoggingConfig  `toml:"logging"`
}

// DatasetConfig describes the folder-per-sample dataset layout.
type DatasetConfig struct {
	Root string `toml:"root" validate:"required"` // Root directory, one subdirectory per sample
	// PerWorkerLimit caps enumeration at limit*workers items when > 0.
	// The limit is per worker, not global; with a single worker the two
	// readings coincide. 0 means no cap.
	PerWorkerLimit int `toml:"per_worker_limit" validate:"min=0"`
}

// DispatchConfig controls the worker pool.
type DispatchConfig struct {
	Workers      int    `toml:"workers" validate:"min=1"`      // Number of worker slots, one browser each
	ProfilesDir  string `toml:"profiles_dir"`                  // Parent directory for per-worker Chrome profiles
	ClaimTimeout string `toml:"claim_timeout"`                 // e.g. "5s" - how long ClaimNext waits before reporting end of work
	ItemPause    string `toml:"item_pause"`                    // e.g. "2s" - pause between consecutive items on one session
	InitRetries  int    `toml:"init_retries" validate:"min=1"` // Session init attempts per worker before the slot is abandoned
	BackoffBase  string `toml:"backoff_base"`                  // First retry delay; subsequent delays triple (1s, 3s, 9s)
}

// BrowserConfig controls the chromedp sessions.
type BrowserConfig struct {
	ChatURL          string `toml:"chat_url" validate:"required,url"`
	Headless         bool   `toml:"headless"` // Visible by default - headless tends to trip bot detection
	WindowWidth      int    `toml:"window_width"`
	WindowHeight     int    `toml:"window_height"`
	GenerationWait   string `toml:"generation_wait"`   // Ceiling for the generation polling loop, e.g. "120s"
	PollInterval     string `toml:"poll_interval"`     // DOM check pacing during generation wait, e.g. "2s"
	NavigateTimeout  string `toml:"navigate_timeout"`  // Per-navigation timeout, e.g. "30s"
	ReauthEvery      int    `toml:"reauth_every"`      // Verify the session is still authenticated every N items (0 disables)
	AssumeAuthorized bool   `toml:"assume_authorized"` // Skip the operator confirmation gate (unattended reruns)
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	// StatsDir is where timestamped run summary JSON files are written.
	StatsDir string `toml:"stats_dir"`
}

// BadgerConfig represents BadgerDB-specific configuration for run history
type BadgerConfig struct {
	Path string `toml:"path"` // Database directory path
}

// ScheduleConfig enables periodic re-harvest runs.
type ScheduleConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"` // Cron expression, e.g. "0 */6 * * *"
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for stability; only user-facing
// settings belong in harvester.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Dataset: DatasetConfig{
			Root:           "./emu-dataset",
			PerWorkerLimit: 0, // Process everything pending
		},
		Dispatch: DispatchConfig{
			Workers:      1,
			ProfilesDir:  "./profiles",
			ClaimTimeout: "5s",
			ItemPause:    "2s",
			InitRetries:  3,
			BackoffBase:  "1s",
		},
		Browser: BrowserConfig{
			ChatURL:         "https://chat.openai.com",
			Headless:        false, // Visible browser required for the verification challenges
			WindowWidth:     1280,
			WindowHeight:    800,
			GenerationWait:  "120s",
			PollInterval:    "2s",
			NavigateTimeout: "30s",
			ReauthEvery:     5,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/history",
			},
			StatsDir: ".",
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Cron:    "0 */6 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// ones; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HARVESTER_ENV"); env != "" {
		config.Environment = env
	}
	if root := os.Getenv("HARVESTER_DATASET_ROOT"); root != "" {
		config.Dataset.Root = root
	}
	if workers := os.Getenv("HARVESTER_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			config.Dispatch.Workers = n
		}
	}
	if limit := os.Getenv("HARVESTER_PER_WORKER_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n >= 0 {
			config.Dataset.PerWorkerLimit = n
		}
	}
	if url := os.Getenv("HARVESTER_CHAT_URL"); url != "" {
		config.Browser.ChatURL = url
	}
	if level := os.Getenv("HARVESTER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority).
// Zero values mean "flag not set" and leave the config untouched.
func ApplyFlagOverrides(config *Config, datasetRoot string, workers, perWorkerLimit int, headless, assumeAuthorized bool) {
	if datasetRoot != "" {
		config.Dataset.Root = datasetRoot
	}
	if workers > 0 {
		config.Dispatch.Workers = workers
	}
	if perWorkerLimit > 0 {
		config.Dataset.PerWorkerLimit = perWorkerLimit
	}
	if headless {
		config.Browser.Headless = true
	}
	if assumeAuthorized {
		config.Browser.AssumeAuthorized = true
	}
}

// Validate checks the configuration against struct constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ParseDuration parses a duration string with a fallback for empty or
// malformed values. Config durations are stored as strings ("5s", "2m")
// so the TOML stays readable.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
