// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/pkg/bitint"
)

// Hardware and processing limits.
const (
	MinDeviceID     = -1     // -1 represents system default device
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxPeriodFrames = 8192   // Maximum frames per hardware period
)

// Capture drivers.
const (
	DriverPortAudio = "portaudio"
	DriverTone      = "tone"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug     bool            `yaml:"debug"`     // Enable debug mode (forces log level debug).
	Log       LogConfig       `yaml:"log"`       // Logger settings.
	Audio     AudioConfig     `yaml:"audio"`     // Capture device settings.
	Buffer    BufferConfig    `yaml:"buffer"`    // Per-channel ring buffer settings.
	Publish   PublishConfig   `yaml:"publish"`   // Channel publisher and its sinks.
	Recording RecordingConfig `yaml:"recording"` // WAV recording consumer.
	Analysis  AnalysisConfig  `yaml:"analysis"`  // Level/spectrum analyzer consumer.
	Metrics   MetricsConfig   `yaml:"metrics"`   // Prometheus endpoint.
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `yaml:"level"`        // Logging level (e.g., "debug", "info", "warn", "error").
	File       string `yaml:"file"`         // Optional log file, rotated by size. Empty disables it.
	MaxSizeMB  int    `yaml:"max_size_mb"`  // Rotation threshold in megabytes.
	MaxBackups int    `yaml:"max_backups"`  // Rotated files kept (0 keeps all).
	MaxAgeDays int    `yaml:"max_age_days"` // Rotated files age limit (0 disables).
}

// AudioConfig holds settings related to audio capture.
type AudioConfig struct {
	Driver        string  `yaml:"driver"`         // "portaudio" or "tone".
	InputDevice   int     `yaml:"input_device"`   // PortAudio device index for audio input (-1 for default).
	SampleRate    float64 `yaml:"sample_rate"`    // Sample rate in Hz (e.g., 44100, 48000).
	PeriodSize    int     `yaml:"period_size"`    // Frames per hardware period.
	LowLatency    bool    `yaml:"low_latency"`    // Request low latency settings from PortAudio device.
	InputChannels int     `yaml:"input_channels"` // Number of input channels to capture.
	BitDepth      int     `yaml:"bit_depth"`      // Sample word size, 16 or 24.
	ToneFrequency float64 `yaml:"tone_frequency"` // Test tone frequency in Hz (tone driver only).
	ToneGain      float64 `yaml:"tone_gain"`      // Test tone amplitude in [0, 1] (tone driver only).
}

// BufferConfig sizes the per-channel ring buffers.
type BufferConfig struct {
	Capacity   int `yaml:"capacity"`    // Samples per channel.
	MaxReaders int `yaml:"max_readers"` // Reader slots per channel.
	BatchSize  int `yaml:"batch_size"`  // Samples requested per publisher cycle.
}

// PublishConfig holds settings for the per-channel publisher consumers.
type PublishConfig struct {
	Enabled     bool            `yaml:"enabled"`
	TopicPrefix string          `yaml:"topic_prefix"` // Topic is prefix + channel index.
	MinBatch    int             `yaml:"min_batch"`    // Shorter contiguous runs are completed across the wrap.
	MaxRetries  int             `yaml:"max_retries"`  // Consecutive retries while sinks are unavailable.
	Logging     bool            `yaml:"logging"`      // Log every frame at debug level.
	UDP         UDPConfig       `yaml:"udp"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
}

// UDPConfig configures the datagram sink.
type UDPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TargetAddress string `yaml:"target_address"` // Target address and port (e.g., "127.0.0.1:9090").
}

// WebSocketConfig configures the WebSocket broadcast sink.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // Listen address (e.g., ":8080").
	Path    string `yaml:"path"`   // HTTP path of the upgrade endpoint.
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Broker   string        `yaml:"broker"`    // Broker URL (e.g., "tcp://localhost:1883").
	ClientID string        `yaml:"client_id"` // Generated when empty.
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	QoS      byte          `yaml:"qos"`
	Retain   bool          `yaml:"retain"`
	Timeout  time.Duration `yaml:"timeout"` // Connect and publish timeout.
}

// RecordingConfig holds settings related to audio recording functionality.
type RecordingConfig struct {
	Enabled     bool   `yaml:"enabled"`              // Enable audio recording to file.
	OutputDir   string `yaml:"output_dir"`           // Directory to save recorded audio files.
	BitDepth    int    `yaml:"bit_depth"`            // Bit depth for recorded audio (16 or 24).
	MaxDuration int    `yaml:"max_duration_seconds"` // Maximum duration of a single recording file in seconds (0 for unlimited).
}

// AnalysisConfig holds settings for the level and spectrum analyzer.
type AnalysisConfig struct {
	Enabled       bool    `yaml:"enabled"`
	FFTSize       int     `yaml:"fft_size"`       // Samples per analysis block, power of two. 0 derives it from the sample rate.
	FFTWindow     string  `yaml:"fft_window"`     // Window function (e.g., "Hann", "Hamming").
	Bands         int     `yaml:"bands"`          // Octave-spaced energy bands per report.
	GateThreshold float64 `yaml:"gate_threshold"` // Peak amplitude in [0, 1] below which reports are suppressed.
}

// fastWeighting is the integration time of the "fast" sound level meter
// weighting, in seconds.
const fastWeighting = 0.125

// BlockSize returns FFTSize, or when it is 0 the smallest power of two
// covering the fast weighting time at sampleRate.
func (an AnalysisConfig) BlockSize(sampleRate float64) int {
	if an.FFTSize != 0 {
		return an.FFTSize
	}
	return bitint.NextPowerOfTwo(int(sampleRate * fastWeighting))
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // Listen address (e.g., ":9100").
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Debug: false,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Audio: AudioConfig{
			Driver:        DriverPortAudio,
			InputDevice:   MinDeviceID,
			SampleRate:    44100,
			PeriodSize:    1024,
			LowLatency:    false,
			InputChannels: 2,
			BitDepth:      16,
			ToneFrequency: 1000,
			ToneGain:      0.5,
		},
		Buffer: BufferConfig{
			Capacity:   65536,
			MaxReaders: 16,
			BatchSize:  1024,
		},
		Publish: PublishConfig{
			Enabled:     true,
			TopicPrefix: "audio/",
			MinBatch:    256,
			MaxRetries:  8,
			Logging:     true,
			UDP: UDPConfig{
				Enabled:       false,
				TargetAddress: "127.0.0.1:9090",
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Listen:  ":8080",
				Path:    "/ws",
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Broker:  "tcp://localhost:1883",
				QoS:     0,
				Timeout: 5 * time.Second,
			},
		},
		Recording: RecordingConfig{
			Enabled:     false,
			OutputDir:   "./recordings",
			BitDepth:    16,
			MaxDuration: 0, // 0 for unlimited.
		},
		Analysis: AnalysisConfig{
			Enabled:       false,
			FFTSize:       1024,
			FFTWindow:     "Hann",
			Bands:         10,
			GateThreshold: 0.001,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9100",
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		candidates := []string{
			"config.yaml",
			"/etc/sonomkr/config.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot run. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	a := c.Audio
	switch a.Driver {
	case DriverPortAudio, DriverTone:
	default:
		return invalid("audio.driver %q is not one of %q, %q", a.Driver, DriverPortAudio, DriverTone)
	}
	if a.InputDevice < MinDeviceID {
		return invalid("audio.input_device must be >= %d, got %d", MinDeviceID, a.InputDevice)
	}
	if a.InputChannels < 1 {
		return invalid("audio.input_channels must be >= 1, got %d", a.InputChannels)
	}
	if a.BitDepth != 16 && a.BitDepth != 24 {
		return invalid("audio.bit_depth must be 16 or 24, got %d", a.BitDepth)
	}
	if a.SampleRate < MinSampleRate || a.SampleRate > MaxSampleRate {
		return invalid("audio.sample_rate must be in [%d, %d], got %.0f", MinSampleRate, MaxSampleRate, a.SampleRate)
	}
	if a.PeriodSize <= 0 || a.PeriodSize > MaxPeriodFrames {
		return invalid("audio.period_size must be in (0, %d], got %d", MaxPeriodFrames, a.PeriodSize)
	}
	if a.Driver == DriverTone && (a.ToneGain < 0 || a.ToneGain > 1 || a.ToneFrequency <= 0 || a.ToneFrequency >= a.SampleRate/2) {
		return invalid("audio.tone_frequency must be in (0, %.0f) and tone_gain in [0, 1]", a.SampleRate/2)
	}

	b := c.Buffer
	if b.Capacity <= 0 {
		return invalid("buffer.capacity must be positive, got %d", b.Capacity)
	}
	if b.Capacity < a.PeriodSize {
		return invalid("buffer.capacity (%d) must hold at least one period (%d)", b.Capacity, a.PeriodSize)
	}
	if b.MaxReaders <= 0 {
		return invalid("buffer.max_readers must be positive, got %d", b.MaxReaders)
	}
	if b.BatchSize <= 0 || b.BatchSize > b.Capacity {
		return invalid("buffer.batch_size must be in (0, capacity], got %d", b.BatchSize)
	}

	p := c.Publish
	if p.Enabled {
		if !p.Logging && !p.UDP.Enabled && !p.WebSocket.Enabled && !p.MQTT.Enabled {
			return invalid("publish is enabled but no sink is enabled")
		}
		if p.MinBatch <= 0 || p.MinBatch > b.BatchSize {
			return invalid("publish.min_batch must be in (0, buffer.batch_size], got %d", p.MinBatch)
		}
		if p.MaxRetries < 0 {
			return invalid("publish.max_retries must not be negative, got %d", p.MaxRetries)
		}
		if p.UDP.Enabled && p.UDP.TargetAddress == "" {
			return invalid("publish.udp.target_address must be set when UDP is enabled")
		}
		if p.WebSocket.Enabled && p.WebSocket.Listen == "" {
			return invalid("publish.websocket.listen must be set when WebSocket is enabled")
		}
		if p.MQTT.Enabled {
			if p.MQTT.Broker == "" {
				return invalid("publish.mqtt.broker must be set when MQTT is enabled")
			}
			if p.MQTT.QoS > 2 {
				return invalid("publish.mqtt.qos must be 0, 1 or 2, got %d", p.MQTT.QoS)
			}
		}
	}

	r := c.Recording
	if r.Enabled {
		if r.OutputDir == "" {
			return invalid("recording.output_dir must be set when recording is enabled")
		}
		if r.BitDepth != 16 && r.BitDepth != 24 {
			return invalid("recording.bit_depth must be 16 or 24, got %d", r.BitDepth)
		}
		if r.MaxDuration < 0 {
			return invalid("recording.max_duration_seconds must not be negative")
		}
	}

	an := c.Analysis
	if an.Enabled {
		if size := an.BlockSize(a.SampleRate); !bitint.IsPowerOfTwo(size) || size > b.Capacity {
			return invalid("analysis.fft_size must be a power of two <= buffer.capacity, got %d", size)
		}
		if an.Bands <= 0 {
			return invalid("analysis.bands must be positive, got %d", an.Bands)
		}
		if an.GateThreshold < 0 || an.GateThreshold > 1 {
			return invalid("analysis.gate_threshold must be in [0, 1], got %g", an.GateThreshold)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return invalid("metrics.listen must be set when metrics are enabled")
	}
	if _, ok := applog.ParseLevel(c.Log.Level); !ok {
		return invalid("log.level %q is not recognized", c.Log.Level)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// applyEnvOverrides replaces settings with ENV_* variables when they are set
// and parse. Malformed values are ignored with a warning.
func (cfg *Config) applyEnvOverrides() {
	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Debug = bVal
			applog.Infof("Config: overriding debug from env: %v", bVal)
		} else {
			applog.Warnf("Config: ignoring ENV_DEBUG=%q: %v", val, err)
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		cfg.Log.Level = val
		applog.Infof("Config: overriding log.level from env: %s", val)
	}

	// ENV_AUDIO_{...}

	// ENV_AUDIO_DRIVER
	if val, ok := os.LookupEnv("ENV_AUDIO_DRIVER"); ok {
		cfg.Audio.Driver = val
		applog.Infof("Config: overriding audio.driver from env: %s", val)
	}
	// ENV_AUDIO_DEVICE
	if val, ok := os.LookupEnv("ENV_AUDIO_DEVICE"); ok {
		if iVal, err := strconv.Atoi(val); err == nil {
			cfg.Audio.InputDevice = iVal
			applog.Infof("Config: overriding audio.input_device from env: %d", iVal)
		} else {
			applog.Warnf("Config: ignoring ENV_AUDIO_DEVICE=%q: %v", val, err)
		}
	}

	// ENV_UDP_{...}

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Publish.UDP.Enabled = bVal
			applog.Infof("Config: overriding publish.udp.enabled from env: %v", bVal)
		} else {
			applog.Warnf("Config: ignoring ENV_UDP_ENABLED=%q: %v", val, err)
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		cfg.Publish.UDP.TargetAddress = val
		applog.Infof("Config: overriding publish.udp.target_address from env: %s", val)
	}

	// ENV_MQTT_{...}

	// ENV_MQTT_ENABLED
	if val, ok := os.LookupEnv("ENV_MQTT_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Publish.MQTT.Enabled = bVal
			applog.Infof("Config: overriding publish.mqtt.enabled from env: %v", bVal)
		} else {
			applog.Warnf("Config: ignoring ENV_MQTT_ENABLED=%q: %v", val, err)
		}
	}
	// ENV_MQTT_BROKER
	if val, ok := os.LookupEnv("ENV_MQTT_BROKER"); ok {
		cfg.Publish.MQTT.Broker = val
		applog.Infof("Config: overriding publish.mqtt.broker from env: %s", val)
	}

	// ENV_METRICS_LISTEN
	if val, ok := os.LookupEnv("ENV_METRICS_LISTEN"); ok {
		cfg.Metrics.Listen = val
		cfg.Metrics.Enabled = val != ""
		applog.Infof("Config: overriding metrics.listen from env: %s", val)
	}
}

// LogLevel returns the effective logging level. Debug forces LevelDebug.
func (c *Config) LogLevel() applog.LogLevel {
	if c.Debug {
		return applog.LevelDebug
	}
	l, _ := applog.ParseLevel(c.Log.Level)
	return l
}
