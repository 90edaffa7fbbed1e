package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides the file
const EnvPrefix = "SLIM_"

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the SlimProto and streaming listener configuration
type ServerConfig struct {
	BindAddress     string `yaml:"bind_address"`
	SlimProtoPort   int    `yaml:"slimproto_port"`
	StreamingPort   int    `yaml:"streaming_port"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	MaxConnections  int    `yaml:"max_connections"`
	WriteQueueSize  int    `yaml:"write_queue_size"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// HTTPConfig contains management API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains PCM source and encoder parameters
type AudioConfig struct {
	Channels     int `yaml:"channels"`
	BitDepth     int `yaml:"bit_depth"`   // container depth handed to the encoder
	SampleRate   int `yaml:"sample_rate"` // rate of raw sources; 0 leaves chunks untagged
	ChunkFrames  int `yaml:"chunk_frames"`
	PoolCapacity int `yaml:"pool_capacity"`
	BlockSize    int `yaml:"block_size"`

	SourcePath     string `yaml:"source_path"` // "-" reads stdin, empty disables the source
	SourceFormat   string `yaml:"source_format"`
	SourceBitDepth int    `yaml:"source_bit_depth"` // bits per raw input sample
	Realtime       bool   `yaml:"realtime"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for anything the file leaves out
func Default() Config {
	return Config{
		Server: ServerConfig{
			BindAddress:     "0.0.0.0",
			SlimProtoPort:   3483,
			StreamingPort:   9000,
			ReadBufferSize:  4096,
			MaxConnections:  64,
			WriteQueueSize:  64,
			ShutdownTimeout: 10,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			Channels:       2,
			BitDepth:       32,
			SampleRate:     44100,
			ChunkFrames:    4096,
			PoolCapacity:   10,
			BlockSize:      4096,
			SourceFormat:   "wav",
			SourceBitDepth: 32,
			Realtime:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults,
// applies SLIM_* environment overrides and validates the result. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are reported; callers may ignore the error and rely on the real
// environment. With no paths ".env" is used.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// ApplyEnv overrides fields from SLIM_* environment variables
func (c *Config) ApplyEnv() {
	c.Server.BindAddress = GetEnv(EnvPrefix+"BIND_ADDRESS", c.Server.BindAddress)
	c.Server.SlimProtoPort = GetEnvInt(EnvPrefix+"SLIMPROTO_PORT", c.Server.SlimProtoPort)
	c.Server.StreamingPort = GetEnvInt(EnvPrefix+"STREAMING_PORT", c.Server.StreamingPort)
	c.Server.MaxConnections = GetEnvInt(EnvPrefix+"MAX_CONNECTIONS", c.Server.MaxConnections)

	c.HTTP.Enabled = GetEnvBool(EnvPrefix+"HTTP_ENABLED", c.HTTP.Enabled)
	c.HTTP.Address = GetEnv(EnvPrefix+"HTTP_ADDRESS", c.HTTP.Address)
	c.HTTP.Port = GetEnvInt(EnvPrefix+"HTTP_PORT", c.HTTP.Port)

	c.Audio.SampleRate = GetEnvInt(EnvPrefix+"SAMPLE_RATE", c.Audio.SampleRate)
	c.Audio.SourcePath = GetEnv(EnvPrefix+"SOURCE_PATH", c.Audio.SourcePath)
	c.Audio.SourceFormat = GetEnv(EnvPrefix+"SOURCE_FORMAT", c.Audio.SourceFormat)
	c.Audio.Realtime = GetEnvBool(EnvPrefix+"REALTIME", c.Audio.Realtime)

	c.Logging.Level = GetEnv(EnvPrefix+"LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv(EnvPrefix+"LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = GetEnv(EnvPrefix+"LOG_OUTPUT", c.Logging.Output)
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if the variable is unset, empty or not a valid integer
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by
// key, or fallback if the variable is unset, empty or not a valid boolean
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if c.HTTP.Enabled && c.HTTP.Port == c.Server.StreamingPort && c.HTTP.Address == c.Server.BindAddress {
		return fmt.Errorf("http port %d collides with streaming_port", c.HTTP.Port)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.SlimProtoPort < 1 || s.SlimProtoPort > 65535 {
		return fmt.Errorf("slimproto_port must be between 1 and 65535, got %d", s.SlimProtoPort)
	}

	if s.StreamingPort < 1 || s.StreamingPort > 65535 {
		return fmt.Errorf("streaming_port must be between 1 and 65535, got %d", s.StreamingPort)
	}

	if s.SlimProtoPort == s.StreamingPort {
		return fmt.Errorf("slimproto_port and streaming_port must differ, both are %d", s.StreamingPort)
	}

	if s.ReadBufferSize < 512 {
		return fmt.Errorf("read_buffer_size must be at least 512 bytes, got %d", s.ReadBufferSize)
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.WriteQueueSize < 1 {
		return fmt.Errorf("write_queue_size must be at least 1, got %d", s.WriteQueueSize)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	if a.BitDepth != 24 && a.BitDepth != 32 {
		return fmt.Errorf("bit_depth must be 24 or 32, got %d", a.BitDepth)
	}

	if a.SampleRate < 0 || a.SampleRate > 655350 {
		return fmt.Errorf("sample_rate must be between 0 and 655350 Hz, got %d", a.SampleRate)
	}

	if a.ChunkFrames < 1 {
		return fmt.Errorf("chunk_frames must be at least 1, got %d", a.ChunkFrames)
	}

	if a.PoolCapacity < 1 {
		return fmt.Errorf("pool_capacity must be at least 1, got %d", a.PoolCapacity)
	}

	if a.BlockSize < 16 || a.BlockSize > 65535 {
		return fmt.Errorf("block_size must be between 16 and 65535 frames, got %d", a.BlockSize)
	}

	validFormats := map[string]bool{"raw": true, "wav": true}
	if !validFormats[a.SourceFormat] {
		return fmt.Errorf("source_format must be 'raw' or 'wav', got '%s'", a.SourceFormat)
	}

	validDepths := map[int]bool{16: true, 24: true, 32: true}
	if !validDepths[a.SourceBitDepth] {
		return fmt.Errorf("source_bit_depth must be 16, 24 or 32, got %d", a.SourceBitDepth)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty; use stdout, stderr or a file path")
	}

	return nil
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetChunkDuration returns the playback duration of one chunk at the raw
// source rate; zero when the rate is unknown
func (a *AudioConfig) GetChunkDuration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.ChunkFrames) * time.Second / time.Duration(a.SampleRate)
}
