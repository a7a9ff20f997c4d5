// Package config loads the settings shared by Sources and Sinks.
//
// Configuration comes from a single YAML file (Load) or from Default for
// programmatic use. Both sides of a connection should agree on codec and
// compression only loosely: every frame names its own codec and compression,
// so a receiver decodes whatever the sender chose.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mini-drb/codec"
	"mini-drb/protocol"
)

// Config holds every tunable of the proxy runtime.
type Config struct {
	// Codec is the value codec for arguments and return values: json or cbor.
	Codec string `yaml:"codec"`

	// Compression is applied to frame bodies: none, lz4 or zstd.
	Compression string `yaml:"compression"`

	// CompressThreshold is the smallest body, in bytes, worth compressing.
	CompressThreshold int `yaml:"compress_threshold"`

	// MaxFrameSize bounds a single frame. Larger frames are a protocol
	// violation and terminate the connection.
	MaxFrameSize int `yaml:"max_frame_size"`

	// HeartbeatInterval is how often an idle connection sends a heartbeat
	// frame. Zero disables heartbeats.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// CallTimeout is the default Sink-side deadline for a call whose
	// context has none. Zero means wait until the response or teardown.
	CallTimeout Duration `yaml:"call_timeout"`

	// DispatchTimeout bounds a single dispatched call on the Source.
	DispatchTimeout Duration `yaml:"dispatch_timeout"`

	// MaxConcurrentCalls bounds the dispatch workers per connection.
	// Zero runs every call on its own goroutine.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// OrphanReleaseAfter is how long the Source keeps refs held by a dead
	// connection before releasing them. Zero keeps them until ReleaseAll.
	OrphanReleaseAfter Duration `yaml:"orphan_release_after"`

	// RateLimit throttles dispatched calls on the Source.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// RateLimitConfig configures the token bucket in front of the Dispatcher.
type RateLimitConfig struct {
	// Rate is calls per second. Zero disables rate limiting.
	Rate float64 `yaml:"rate"`

	// Burst is the bucket size.
	Burst int `yaml:"burst"`
}

// Duration is a time.Duration that reads from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Codec:             "cbor",
		Compression:       "none",
		CompressThreshold: 1024,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		HeartbeatInterval: Duration(30 * time.Second),
		LogLevel:          "info",
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	var errs []error
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := protocol.ParseCompression(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("max_frame_size must not be negative, got %d", c.MaxFrameSize))
	}
	if c.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_calls must not be negative, got %d", c.MaxConcurrentCalls))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when rate is set"))
	}
	for name, d := range map[string]Duration{
		"heartbeat_interval":   c.HeartbeatInterval,
		"call_timeout":         c.CallTimeout,
		"dispatch_timeout":     c.DispatchTimeout,
		"orphan_release_after": c.OrphanReleaseAfter,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// CodecType returns the configured value codec. Call Validate first.
func (c Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// CompressionType returns the configured frame compression. Call Validate first.
func (c Config) CompressionType() protocol.Compression {
	t, _ := protocol.ParseCompression(c.Compression)
	return t
}

// Logger builds a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
