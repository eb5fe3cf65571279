package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/interpolapse/config.json"
	defaultThreads    = 5
)

// Config holds user-editable application settings. Project files carry the
// per-timelapse settings; this file only holds machine-wide preferences.
type Config struct {
	Render  Render  `json:"render"`
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
	Imaging Imaging `json:"imaging"`
	Server  Server  `json:"server"`
	Watch   Watch   `json:"watch"`
}

// Render captures defaults applied when a project leaves them out.
type Render struct {
	DefaultThreads int    `json:"default_threads"`
	OutputFormat   string `json:"output_format"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Imaging selects the pixel backend.
type Imaging struct {
	Backend     string  `json:"backend"` // native, magick
	JPEGQuality int     `json:"jpeg_quality"`
	BlurSigma   float64 `json:"blur_sigma"`
}

// Server configures the long-running render service.
type Server struct {
	HTTPAddr    string `json:"http_addr"`
	GRPCAddr    string `json:"grpc_addr"`
	Concurrency int    `json:"concurrency"`
}

// Watch configures file watching for re-renders.
type Watch struct {
	DebounceMillis int `json:"debounce_ms"`
}

// Path returns the config file location honouring INTERPOLAPSE_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("INTERPOLAPSE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg as indented JSON. An existing file is only replaced when
// force is set.
func Write(path string, cfg *Config, force bool) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func (c *Config) validate() error {
	if c.Render.DefaultThreads < 1 {
		return fmt.Errorf("render.default_threads must be at least 1")
	}
	if c.Server.Concurrency < 1 {
		return fmt.Errorf("server.concurrency must be at least 1")
	}
	if c.Imaging.JPEGQuality < 1 || c.Imaging.JPEGQuality > 100 {
		return fmt.Errorf("imaging.jpeg_quality must be within 1..100")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Render: Render{
			DefaultThreads: defaultThreads,
			OutputFormat:   "jpg",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./out",
			DatabasePath:  filepath.Join(os.TempDir(), "interpolapse.db"),
		},
		Imaging: Imaging{
			Backend:     "native",
			JPEGQuality: 95,
			BlurSigma:   1.0,
		},
		Server: Server{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			Concurrency: 1,
		},
		Watch: Watch{
			DebounceMillis: 500,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
