package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that parses from strings like "30s" in both
// YAML documents and environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	// DBPath is the SQLite database file
	DBPath string `yaml:"db_path" env:"DB_PATH"`

	// FFmpegPath is the path to the ffmpeg binary (default: "ffmpeg")
	FFmpegPath string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`

	// FFprobePath is the path to the ffprobe binary (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path" env:"FFPROBE_PATH"`

	// FontFile is the monospace font used for timecode burn-in. If the file
	// does not exist the burn-in falls back to the generic "monospace" font.
	FontFile string `yaml:"font_file" env:"FONT_FILE"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// PollInterval is how often remote sources are listed
	PollInterval Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`

	// StabilityWait is the pause between the two remote size probes
	StabilityWait Duration `yaml:"stability_wait" env:"STABILITY_WAIT"`

	// StabilityInterval/StabilityWindow drive local size-stability polling:
	// a file is adopted once its size has not changed for a full window,
	// probed every interval.
	StabilityInterval Duration `yaml:"stability_interval" env:"STABILITY_INTERVAL"`
	StabilityWindow   Duration `yaml:"stability_window" env:"STABILITY_WINDOW"`

	// ErrorBackoff is how long a remote watcher sleeps after a protocol error
	ErrorBackoff Duration `yaml:"error_backoff" env:"ERROR_BACKOFF"`

	// ClaimInterval is the worker poll sleep when the queue is empty
	ClaimInterval Duration `yaml:"claim_interval" env:"CLAIM_INTERVAL"`

	// FTPTimeout bounds the dial and control-channel operations
	FTPTimeout Duration `yaml:"ftp_timeout" env:"FTP_TIMEOUT"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DBPath:            "transcoderd.db",
		FFmpegPath:        "ffmpeg",
		FFprobePath:       "ffprobe",
		FontFile:          "/usr/share/fonts/truetype/dejavu/DejaVuSansMono.ttf",
		LogLevel:          "info",
		PollInterval:      Duration(10 * time.Second),
		StabilityWait:     Duration(3 * time.Second),
		StabilityInterval: Duration(1 * time.Second),
		StabilityWindow:   Duration(2 * time.Second),
		ErrorBackoff:      Duration(30 * time.Second),
		ClaimInterval:     Duration(2 * time.Second),
		FTPTimeout:        Duration(60 * time.Second),
	}
}

// Load reads config from a YAML file, applies defaults for missing values,
// then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file - use defaults
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = def.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = def.FFprobePath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StabilityWait <= 0 {
		c.StabilityWait = def.StabilityWait
	}
	if c.StabilityInterval <= 0 {
		c.StabilityInterval = def.StabilityInterval
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = def.StabilityWindow
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = def.ClaimInterval
	}
	if c.FTPTimeout <= 0 {
		c.FTPTimeout = def.FTPTimeout
	}
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
