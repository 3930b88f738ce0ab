package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/connector"
)

const (
	DefaultPlayer       = connector.DefaultPlayer
	DefaultSpawnTimeout = connector.DefaultSpawnTimeout
	DefaultMaxLineSize  = codec.DefaultMaxLineSize
	DefaultHistoryPath  = ".local/mpvsock/history"
	DefaultConfigPath   = ".config/mpvsock/config.yaml"

	minMaxLineSize = 1 << 10
)

type Config struct {
	// Socket attaches to a running player instead of spawning one.
	Socket         string        `yaml:"socket"`
	Player         string        `yaml:"player"`
	PlayerArgs     []string      `yaml:"player_args"`
	IINA           bool          `yaml:"iina"`
	SocketDir      string        `yaml:"socket_dir"`
	SpawnTimeout   time.Duration `yaml:"spawn_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxLineSize    int           `yaml:"max_line_size"`
	HistoryPath    string        `yaml:"history"`
	Debug          bool          `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Player:       DefaultPlayer,
		SpawnTimeout: DefaultSpawnTimeout,
		MaxLineSize:  DefaultMaxLineSize,
		HistoryPath:  filepath.Join(os.Getenv("HOME"), DefaultHistoryPath),
	}
}

// Load layers defaults, the YAML file at path and the environment. An empty
// path means $MPVSOCK_CONFIG, then ~/.config/mpvsock/config.yaml; a missing
// file at the default location is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = envVar("MPVSOCK_CONFIG", "")
		explicit = path != ""
	}
	if !explicit {
		path = filepath.Join(os.Getenv("HOME"), DefaultConfigPath)
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return cfg, err
	}

	cfg.Socket = envVar("MPVSOCK_SOCKET", cfg.Socket)
	cfg.Player = envVar("MPVSOCK_PLAYER", cfg.Player)
	cfg.SocketDir = envVar("MPVSOCK_SOCKET_DIR", cfg.SocketDir)
	cfg.SpawnTimeout = envVar("MPVSOCK_SPAWN_TIMEOUT", cfg.SpawnTimeout)
	cfg.RequestTimeout = envVar("MPVSOCK_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxLineSize = envVar("MPVSOCK_MAX_LINE_SIZE", cfg.MaxLineSize)
	cfg.HistoryPath = envVar("MPVSOCK_HISTORY", cfg.HistoryPath)
	cfg.Debug = envVar("MPVSOCK_DEBUG", cfg.Debug)

	// Validate configuration
	cfg.validate()

	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// SpawnOptions returns the connector options the configuration describes.
func (c Config) SpawnOptions() (connector.Options, error) {
	opts := connector.Options{
		Player:    c.Player,
		Args:      c.PlayerArgs,
		SocketDir: c.SocketDir,
		Timeout:   c.SpawnTimeout,
	}
	if c.IINA {
		iina, err := connector.IINA()
		if err != nil {
			return opts, err
		}
		opts = opts.WithPlayer(iina)
	}
	return opts, nil
}

func envVar[T ~string | ~bool | ~int | ~int64 | ~float64](key string, def T) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}

	switch any(def).(type) {
	case string:
		return any(v).(T)
	case bool:
		if b, err := strconv.ParseBool(v); err == nil {
			return any(b).(T)
		}
	case int:
		if i, err := strconv.Atoi(v); err == nil {
			return any(i).(T)
		}
	case time.Duration:
		if d, err := time.ParseDuration(v); err == nil {
			return any(d).(T)
		}
	case int64:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return any(i).(T)
		}
	case float64:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return any(f).(T)
		}
	}
	return def
}

// validate performs validation on configuration values
func (c *Config) validate() {
	if c.Player == "" {
		c.Player = DefaultPlayer
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	if c.MaxLineSize < minMaxLineSize {
		c.MaxLineSize = DefaultMaxLineSize
	}

	// Ensure history directory exists
	if c.HistoryPath != "" {
		if dir := filepath.Dir(c.HistoryPath); dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				_ = os.MkdirAll(dir, 0755)
			}
		}
	}
}
