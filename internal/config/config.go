package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/skyplate/config.json"
	defaultParallel   = 1
	envPrefix         = "SKYPLATE"
)

// Config holds user-editable settings for the solver pipeline.
type Config struct {
	Processing Processing `mapstructure:"processing" json:"processing"`
	Logging    Logging    `mapstructure:"logging" json:"logging"`
	Paths      Paths      `mapstructure:"paths" json:"paths"`
	Solver     Solver     `mapstructure:"solver" json:"solver"`
	Render     Render     `mapstructure:"render" json:"render"`
	Server     Server     `mapstructure:"server" json:"server"`
	Watch      Watch      `mapstructure:"watch" json:"watch"`
	Agent      Agent      `mapstructure:"agent" json:"agent"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `mapstructure:"parallel_jobs" json:"parallel_jobs"`
	TempDir      string `mapstructure:"temp_dir" json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // text, json
	FileOutput bool   `mapstructure:"file_output" json:"file_output"` // Enable file logging
	LogDir     string `mapstructure:"log_dir" json:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `mapstructure:"default_output" json:"default_output"`
	DatabasePath  string `mapstructure:"database_path" json:"database_path"`
}

// Solver configures the plate-solving engine.
type Solver struct {
	IndexDirs      []string      `mapstructure:"index_dirs" json:"index_dirs"`
	SolveFieldPath string        `mapstructure:"solve_field_path" json:"solve_field_path"`
	Profile        string        `mapstructure:"profile" json:"profile"`
	Extractor      string        `mapstructure:"extractor" json:"extractor"`
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout"`
	LogToFile      bool          `mapstructure:"log_to_file" json:"log_to_file"`
	LogFileName    string        `mapstructure:"log_file_name" json:"log_file_name"`
	SearchRadius   float64       `mapstructure:"search_radius" json:"search_radius"` // degrees around a position hint
}

// Render configures the annotated output image.
type Render struct {
	Gain        float64 `mapstructure:"gain" json:"gain"`
	MarkerScale float64 `mapstructure:"marker_scale" json:"marker_scale"`
	MarkerColor string  `mapstructure:"marker_color" json:"marker_color"`
	Format      string  `mapstructure:"format" json:"format"` // png, tiff, jpg
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr             string `mapstructure:"addr" json:"addr"`
	GRPCAddr         string `mapstructure:"grpc_addr" json:"grpc_addr"`
	UploadDir        string `mapstructure:"upload_dir" json:"upload_dir"`
	UploadsPerMinute int    `mapstructure:"uploads_per_minute" json:"uploads_per_minute"`
}

// Watch configures directory watching for new frames.
type Watch struct {
	Dirs            []string `mapstructure:"dirs" json:"dirs"`
	SolvesPerMinute int      `mapstructure:"solves_per_minute" json:"solves_per_minute"`
}

// Agent configures the remote solving agent.
type Agent struct {
	ServerAddr string `mapstructure:"server_addr" json:"server_addr"`
	Mode       string `mapstructure:"mode" json:"mode"` // upload, path
	Insecure   bool   `mapstructure:"insecure" json:"insecure"`
	CACert     string `mapstructure:"ca_cert" json:"ca_cert"`
	TLSCert    string `mapstructure:"tls_cert" json:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key" json:"tls_key"`
}

// Load reads configuration from disk and the environment, falling back to sensible defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := os.Getenv(envPrefix + "_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}
	return LoadFile(expanded)
}

// LoadFile reads configuration from path. A missing file yields defaults plus
// environment overrides.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every key with its default so environment overrides apply.
func SetDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("processing.parallel_jobs", d.Processing.ParallelJobs)
	v.SetDefault("processing.temp_dir", d.Processing.TempDir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_output", d.Logging.FileOutput)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)

	v.SetDefault("paths.default_output", d.Paths.DefaultOutput)
	v.SetDefault("paths.database_path", d.Paths.DatabasePath)

	v.SetDefault("solver.index_dirs", d.Solver.IndexDirs)
	v.SetDefault("solver.solve_field_path", d.Solver.SolveFieldPath)
	v.SetDefault("solver.profile", d.Solver.Profile)
	v.SetDefault("solver.extractor", d.Solver.Extractor)
	v.SetDefault("solver.timeout", d.Solver.Timeout)
	v.SetDefault("solver.log_to_file", d.Solver.LogToFile)
	v.SetDefault("solver.log_file_name", d.Solver.LogFileName)
	v.SetDefault("solver.search_radius", d.Solver.SearchRadius)

	v.SetDefault("render.gain", d.Render.Gain)
	v.SetDefault("render.marker_scale", d.Render.MarkerScale)
	v.SetDefault("render.marker_color", d.Render.MarkerColor)
	v.SetDefault("render.format", d.Render.Format)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.upload_dir", d.Server.UploadDir)
	v.SetDefault("server.uploads_per_minute", d.Server.UploadsPerMinute)

	v.SetDefault("watch.dirs", d.Watch.Dirs)
	v.SetDefault("watch.solves_per_minute", d.Watch.SolvesPerMinute)

	v.SetDefault("agent.server_addr", d.Agent.ServerAddr)
	v.SetDefault("agent.mode", d.Agent.Mode)
	v.SetDefault("agent.insecure", d.Agent.Insecure)
	v.SetDefault("agent.ca_cert", d.Agent.CACert)
	v.SetDefault("agent.tls_cert", d.Agent.TLSCert)
	v.SetDefault("agent.tls_key", d.Agent.TLSKey)
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "solution.png",
			DatabasePath:  filepath.Join(os.TempDir(), "skyplate.db"),
		},
		Solver: Solver{
			IndexDirs:      []string{filepath.Join(home, ".local/share/kstars/astrometry")},
			SolveFieldPath: "solve-field",
			Profile:        "single-thread-solving",
			Extractor:      "internal",
			Timeout:        5 * time.Minute,
			LogToFile:      true,
			LogFileName:    "solve.log",
			SearchRadius:   15,
		},
		Render: Render{
			Gain:        3,
			MarkerScale: 3,
			MarkerColor: "#9bd1a8",
			Format:      "png",
		},
		Server: Server{
			Addr:             ":8080",
			GRPCAddr:         ":9090",
			UploadDir:        filepath.Join(os.TempDir(), "skyplate-uploads"),
			UploadsPerMinute: 30,
		},
		Watch: Watch{
			SolvesPerMinute: 12,
		},
		Agent: Agent{
			ServerAddr: "localhost:9090",
			Mode:       "upload",
			Insecure:   true,
		},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	if c.Solver.Timeout < 0 {
		return fmt.Errorf("solver.timeout must not be negative, got %s", c.Solver.Timeout)
	}
	switch strings.ToLower(c.Solver.Extractor) {
	case "", "internal", "astrometry":
	default:
		return fmt.Errorf("solver.extractor must be internal or astrometry, got %q", c.Solver.Extractor)
	}
	if !(c.Render.Gain > 0) || math.IsInf(c.Render.Gain, 0) {
		return fmt.Errorf("render.gain must be positive, got %g", c.Render.Gain)
	}
	if !(c.Render.MarkerScale > 0) || math.IsInf(c.Render.MarkerScale, 0) {
		return fmt.Errorf("render.marker_scale must be positive, got %g", c.Render.MarkerScale)
	}
	if _, err := colorful.Hex(c.Render.MarkerColor); err != nil {
		return fmt.Errorf("render.marker_color %q: %w", c.Render.MarkerColor, err)
	}
	switch c.Agent.Mode {
	case "upload", "path":
	default:
		return fmt.Errorf("agent.mode must be upload or path, got %q", c.Agent.Mode)
	}
	switch strings.ToLower(c.Render.Format) {
	case "png", "tiff", "tif", "jpg", "jpeg":
	default:
		return fmt.Errorf("render.format %q is not supported", c.Render.Format)
	}
	return nil
}

// IndexDirsExpanded returns the index folders with ~ expanded.
func (c *Config) IndexDirsExpanded() []string {
	out := make([]string, 0, len(c.Solver.IndexDirs))
	for _, dir := range c.Solver.IndexDirs {
		if expanded, err := expandUser(dir); err == nil {
			out = append(out, expanded)
		}
	}
	return out
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
