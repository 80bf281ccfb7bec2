// Package config handles camrelay configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/camrelay/internal/core"
)

// Config is the top-level configuration. It maps to the `camrelay:` root key
// in YAML.
type Config struct {
	Device          DeviceConfig    `mapstructure:"device" yaml:"device"`
	Transport       TransportConfig `mapstructure:"transport" yaml:"transport"`
	Stats           StatsConfig     `mapstructure:"stats" yaml:"stats"`
	Control         ControlConfig   `mapstructure:"control" yaml:"control"`
	Metrics         MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log             LogConfig       `mapstructure:"log" yaml:"log"`
	Events          EventsConfig    `mapstructure:"events" yaml:"events"`
	ShutdownTimeout string          `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ─── Device ───

// DeviceConfig describes the capture device and the format requested from it.
type DeviceConfig struct {
	Path        string `mapstructure:"path" yaml:"path"`
	Width       int    `mapstructure:"width" yaml:"width"`
	Height      int    `mapstructure:"height" yaml:"height"`
	PixelFormat string `mapstructure:"pixel_format" yaml:"pixel_format"` // FOURCC, e.g. H264
	FrameRate   int    `mapstructure:"frame_rate" yaml:"frame_rate"`
	BufferCount int    `mapstructure:"buffer_count" yaml:"buffer_count"`
}

// FourCC returns the parsed pixel format. Only valid after validation.
func (d DeviceConfig) FourCC() core.FourCC {
	f, _ := core.ParseFourCC(d.PixelFormat)
	return f
}

// ─── Transport ───

// TransportConfig selects the frame sink and its peer.
type TransportConfig struct {
	Mode     string         `mapstructure:"mode" yaml:"mode"` // stream | datagram
	Host     string         `mapstructure:"host" yaml:"host"`
	Port     int            `mapstructure:"port" yaml:"port"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Datagram DatagramConfig `mapstructure:"datagram" yaml:"datagram"`
}

// Address returns host:port.
func (t TransportConfig) Address() string {
	return net.JoinHostPort(t.Host, fmt.Sprint(t.Port))
}

// StreamConfig configures stream delivery and reconnection.
type StreamConfig struct {
	ReconnectDelay string `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	DialTimeout    string `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout   string `mapstructure:"write_timeout" yaml:"write_timeout"` // "0s" disables
	Framing        string `mapstructure:"framing" yaml:"framing"`             // none | length-prefix
}

// Stream framing modes.
const (
	FramingNone         = "none"
	FramingLengthPrefix = "length-prefix"
)

// ReconnectBackoff returns the fixed delay between connection attempts.
func (s StreamConfig) ReconnectBackoff() time.Duration { return parseDuration(s.ReconnectDelay) }

// DialTimeoutDuration returns the connect timeout.
func (s StreamConfig) DialTimeoutDuration() time.Duration { return parseDuration(s.DialTimeout) }

// WriteTimeoutDuration returns the per-frame write deadline, zero for none.
func (s StreamConfig) WriteTimeoutDuration() time.Duration { return parseDuration(s.WriteTimeout) }

// DatagramConfig configures datagram delivery.
type DatagramConfig struct {
	MaxSegmentSize    int    `mapstructure:"max_segment_size" yaml:"max_segment_size"`
	MulticastTTL      int    `mapstructure:"multicast_ttl" yaml:"multicast_ttl"`
	MulticastLoopback bool   `mapstructure:"multicast_loopback" yaml:"multicast_loopback"`
	Interface         string `mapstructure:"interface" yaml:"interface"`
	JoinGroup         bool   `mapstructure:"join_group" yaml:"join_group"`
}

// ─── Stats ───

// StatsConfig controls the periodic frame-rate report.
type StatsConfig struct {
	Interval string `mapstructure:"interval" yaml:"interval"` // "0s" disables
}

// IntervalDuration returns the report period.
func (s StatsConfig) IntervalDuration() time.Duration { return parseDuration(s.Interval) }

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket" yaml:"socket"`
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text / pattern
	Pattern string           `mapstructure:"pattern" yaml:"pattern"`
	Time    string           `mapstructure:"time" yaml:"time"`
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stderr.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── Events ───

// EventsConfig controls the lifecycle event bus.
type EventsConfig struct {
	Enabled    bool             `mapstructure:"enabled" yaml:"enabled"`
	Partitions int              `mapstructure:"partitions" yaml:"partitions"`
	QueueSize  int              `mapstructure:"queue_size" yaml:"queue_size"`
	Kafka      EventKafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// EventKafkaConfig configures export of lifecycle events to Kafka.
type EventKafkaConfig struct {
	Brokers      []string `mapstructure:"brokers" yaml:"brokers"`
	Topic        string   `mapstructure:"topic" yaml:"topic"`
	Compression  string   `mapstructure:"compression" yaml:"compression"`
	BatchTimeout string   `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── Loading ───

const rootKey = "camrelay"

// configRoot is the wrapper matching the YAML structure `camrelay: ...`.
type configRoot struct {
	Camrelay Config `mapstructure:"camrelay"`
}

// Load loads configuration from path. An empty path yields the compiled-in
// defaults, still subject to CAMRELAY_* environment overrides
// (e.g. key "camrelay.log.level" → env "CAMRELAY_LOG_LEVEL").
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Camrelay

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the validated compiled-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		panic(err)
	}
	cfg := root.Camrelay
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		panic(err)
	}
	return &cfg
}

func key(k string) string { return rootKey + "." + k }

// setDefaults sets default values for every key.
func setDefaults(v *viper.Viper) {
	// Device defaults
	v.SetDefault(key("device.path"), "/dev/video0")
	v.SetDefault(key("device.width"), 1920)
	v.SetDefault(key("device.height"), 1080)
	v.SetDefault(key("device.pixel_format"), "H264")
	v.SetDefault(key("device.frame_rate"), 30)
	v.SetDefault(key("device.buffer_count"), 4)

	// Transport defaults
	v.SetDefault(key("transport.mode"), string(core.ModeStream))
	v.SetDefault(key("transport.host"), "")
	v.SetDefault(key("transport.port"), 0)
	v.SetDefault(key("transport.stream.reconnect_delay"), "1s")
	v.SetDefault(key("transport.stream.dial_timeout"), "5s")
	v.SetDefault(key("transport.stream.write_timeout"), "0s")
	v.SetDefault(key("transport.stream.framing"), FramingNone)
	v.SetDefault(key("transport.datagram.max_segment_size"), 1024)
	v.SetDefault(key("transport.datagram.multicast_ttl"), 1)
	v.SetDefault(key("transport.datagram.multicast_loopback"), true)
	v.SetDefault(key("transport.datagram.interface"), "")
	v.SetDefault(key("transport.datagram.join_group"), false)

	v.SetDefault(key("stats.interval"), "1s")

	// Control defaults
	v.SetDefault(key("control.pid_file"), "/var/run/camrelay.pid")
	v.SetDefault(key("control.socket"), "/var/run/camrelay.sock")

	// Metrics defaults
	v.SetDefault(key("metrics.enabled"), false)
	v.SetDefault(key("metrics.listen"), ":9091")
	v.SetDefault(key("metrics.path"), "/metrics")

	// Log defaults
	v.SetDefault(key("log.level"), "info")
	v.SetDefault(key("log.format"), "text")
	v.SetDefault(key("log.pattern"), "%time [%level] %field %msg\n")
	v.SetDefault(key("log.time"), "2006-01-02 15:04:05.000")
	v.SetDefault(key("log.outputs.file.enabled"), false)
	v.SetDefault(key("log.outputs.file.path"), "/var/log/camrelay/camrelay.log")
	v.SetDefault(key("log.outputs.file.rotation.max_size_mb"), 100)
	v.SetDefault(key("log.outputs.file.rotation.max_age_days"), 30)
	v.SetDefault(key("log.outputs.file.rotation.max_backups"), 5)
	v.SetDefault(key("log.outputs.file.rotation.compress"), true)
	v.SetDefault(key("log.outputs.loki.enabled"), false)
	v.SetDefault(key("log.outputs.loki.batch_size"), 100)
	v.SetDefault(key("log.outputs.loki.batch_timeout"), "5s")

	// Event defaults
	v.SetDefault(key("events.enabled"), true)
	v.SetDefault(key("events.partitions"), 1)
	v.SetDefault(key("events.queue_size"), 256)
	v.SetDefault(key("events.kafka.topic"), "camrelay-events")
	v.SetDefault(key("events.kafka.compression"), "snappy")
	v.SetDefault(key("events.kafka.batch_timeout"), "1s")

	v.SetDefault(key("shutdown_timeout"), "5s")
}

// Default peers used when none is configured.
const (
	DefaultStreamHost    = "127.0.0.1"
	DefaultMulticastHost = "225.0.0.37"
	DefaultPort          = 8000
)

// ValidateAndApplyDefaults validates configuration and fills runtime defaults
// that depend on other fields. Errors wrap core.ErrConfigInvalid.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text", "pattern":
	default:
		return invalid("invalid log format: %s (must be json/text/pattern)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return invalid("log.outputs.loki.endpoint is required when loki output is enabled")
	}

	// ── Device ──
	if cfg.Device.Path == "" {
		return invalid("device.path is required")
	}
	if cfg.Device.Width <= 0 || cfg.Device.Height <= 0 {
		return invalid("invalid device geometry %dx%d", cfg.Device.Width, cfg.Device.Height)
	}
	if _, err := core.ParseFourCC(cfg.Device.PixelFormat); err != nil {
		return err
	}
	if cfg.Device.FrameRate <= 0 {
		return invalid("device.frame_rate must be positive, got %d", cfg.Device.FrameRate)
	}
	if cfg.Device.BufferCount <= 0 {
		return invalid("device.buffer_count must be positive, got %d", cfg.Device.BufferCount)
	}

	// ── Transport ──
	mode := core.Mode(cfg.Transport.Mode)
	if !mode.Valid() {
		return invalid("invalid transport.mode: %s (must be stream/datagram)", cfg.Transport.Mode)
	}
	if cfg.Transport.Host == "" {
		if mode == core.ModeDatagram {
			cfg.Transport.Host = DefaultMulticastHost
		} else {
			cfg.Transport.Host = DefaultStreamHost
		}
	}
	if cfg.Transport.Port == 0 {
		cfg.Transport.Port = DefaultPort
	}
	if cfg.Transport.Port < 0 || cfg.Transport.Port > 65535 {
		return invalid("invalid transport.port: %d", cfg.Transport.Port)
	}

	s := cfg.Transport.Stream
	for name, val := range map[string]string{
		"transport.stream.reconnect_delay": s.ReconnectDelay,
		"transport.stream.dial_timeout":    s.DialTimeout,
		"transport.stream.write_timeout":   s.WriteTimeout,
		"stats.interval":                   cfg.Stats.Interval,
		"shutdown_timeout":                 cfg.ShutdownTimeout,
	} {
		if err := checkDuration(name, val); err != nil {
			return err
		}
	}
	if s.ReconnectBackoff() <= 0 {
		return invalid("transport.stream.reconnect_delay must be positive")
	}
	if s.Framing != FramingNone && s.Framing != FramingLengthPrefix {
		return invalid("invalid transport.stream.framing: %s (must be none/length-prefix)", s.Framing)
	}

	d := cfg.Transport.Datagram
	if d.MaxSegmentSize <= 0 || d.MaxSegmentSize > 65507 {
		return invalid("invalid transport.datagram.max_segment_size: %d", d.MaxSegmentSize)
	}
	if d.MulticastTTL < 0 || d.MulticastTTL > 255 {
		return invalid("invalid transport.datagram.multicast_ttl: %d", d.MulticastTTL)
	}

	// ── Events ──
	if cfg.Events.Partitions <= 0 {
		cfg.Events.Partitions = 1
	}
	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = 256
	}
	if len(cfg.Events.Kafka.Brokers) > 0 {
		if cfg.Events.Kafka.Topic == "" {
			return invalid("events.kafka.topic is required when brokers are set")
		}
		if err := checkDuration("events.kafka.batch_timeout", cfg.Events.Kafka.BatchTimeout); err != nil {
			return err
		}
		switch strings.ToLower(cfg.Events.Kafka.Compression) {
		case "", "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return invalid("invalid events.kafka.compression: %q", cfg.Events.Kafka.Compression)
		}
	}

	return nil
}

// ShutdownTimeoutDuration returns the graceful shutdown budget.
func (cfg *Config) ShutdownTimeoutDuration() time.Duration { return parseDuration(cfg.ShutdownTimeout) }

// YAML renders the effective configuration under its root key.
func (cfg *Config) YAML() ([]byte, error) {
	return yaml.Marshal(map[string]*Config{rootKey: cfg})
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{core.ErrConfigInvalid}, args...)...)
}

func checkDuration(name, val string) error {
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return invalid("invalid %s: %v", name, err)
	}
	if d < 0 {
		return invalid("%s must not be negative", name)
	}
	return nil
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
