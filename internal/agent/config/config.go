// Package config loads the agent configuration from a YAML file, .env files and
// AGENTPHONE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the agent configuration.
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Log        LogConfig        `mapstructure:"log"`
	SIP        SIPConfig        `mapstructure:"sip"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Health     HealthConfig     `mapstructure:"health"`
	Call       CallConfig       `mapstructure:"call"`
	Conference ConferenceConfig `mapstructure:"conference"`
	Recording  RecordingConfig  `mapstructure:"recording"`
	Sync       SyncConfig       `mapstructure:"sync"`
	History    HistoryConfig    `mapstructure:"history"`
	API        APIConfig        `mapstructure:"api"`
}

// AgentConfig identifies the agent.
type AgentConfig struct {
	User      string `mapstructure:"user" validate:"required"`
	Password  string `mapstructure:"password"`
	Extension string `mapstructure:"extension"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	File  string `mapstructure:"file"`
}

// SIPConfig configures the SIP user agent.
type SIPConfig struct {
	Registrar     string        `mapstructure:"registrar" validate:"required"`
	Domain        string        `mapstructure:"domain"`
	BindAddr      string        `mapstructure:"bind_addr"`
	Port          int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	AdvertiseAddr string        `mapstructure:"advertise_addr"`
	Transport     string        `mapstructure:"transport" validate:"oneof=udp tcp"`
	Expires       time.Duration `mapstructure:"expires"`
	KeepAlive     time.Duration `mapstructure:"keepalive"`
	RTPPortMin    int           `mapstructure:"rtp_port_min"`
	RTPPortMax    int           `mapstructure:"rtp_port_max"`
}

// BackendConfig configures the call-control REST client.
type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	KeepAliveWindow  time.Duration `mapstructure:"keepalive_window"`
	TimeoutWindow    time.Duration `mapstructure:"timeout_window"`
	LogCapacity      int           `mapstructure:"log_capacity"`
	LinkType         string        `mapstructure:"link_type"`
	ProbeURL         string        `mapstructure:"probe_url"`
	EscalateAfter    int           `mapstructure:"escalate_after"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
}

// CallConfig configures the lifecycle controller.
type CallConfig struct {
	ActionHold time.Duration `mapstructure:"action_hold"`
}

// ConferenceConfig configures the conference coordinator.
type ConferenceConfig struct {
	GraceWindow time.Duration `mapstructure:"grace_window"`
	EndGuard    time.Duration `mapstructure:"end_guard"`
}

// RecordingConfig configures capture, artifacts and transcription.
type RecordingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CaptureAddr      string        `mapstructure:"capture_addr"`
	DownloadDir      string        `mapstructure:"download_dir"`
	SampleRate       int           `mapstructure:"sample_rate"`
	Encoding         string        `mapstructure:"encoding" validate:"oneof=pcm16 ulaw"`
	Transcription    string        `mapstructure:"transcription" validate:"oneof=none websocket grpc"`
	TranscriptionURL string        `mapstructure:"transcription_url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
}

// SyncConfig configures the cross-tab synchronizer.
type SyncConfig struct {
	Prefix           string        `mapstructure:"prefix"`
	CallInterval     time.Duration `mapstructure:"call_interval"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	TTL              time.Duration `mapstructure:"ttl"`
	Redis            RedisConfig   `mapstructure:"redis"`
	MQTT             MQTTConfig    `mapstructure:"mqtt"`
}

// RedisConfig holds Redis connection options.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MQTTConfig holds MQTT broker options.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
}

// HistoryConfig configures the call history database.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration. path may name a config file directly; when empty
// ./agentphone.yaml and ./config/agentphone.yaml are tried.
func Load(path string) (*Config, error) {
	// .env is optional; only real read errors matter.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentphone")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("AGENTPHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.SIP.RTPPortMin > c.SIP.RTPPortMax {
		return fmt.Errorf("config: sip.rtp_port_min %d above rtp_port_max %d", c.SIP.RTPPortMin, c.SIP.RTPPortMax)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.user", "")
	v.SetDefault("agent.password", "")
	v.SetDefault("agent.extension", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("sip.registrar", "")
	v.SetDefault("sip.domain", "")
	v.SetDefault("sip.bind_addr", "0.0.0.0")
	v.SetDefault("sip.port", 5070)
	v.SetDefault("sip.advertise_addr", "")
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.expires", "300s")
	v.SetDefault("sip.keepalive", "15s")
	v.SetDefault("sip.rtp_port_min", 20000)
	v.SetDefault("sip.rtp_port_max", 20100)

	v.SetDefault("backend.base_url", "http://127.0.0.1:8080")
	v.SetDefault("backend.timeout", "10s")

	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.keepalive_window", "30s")
	v.SetDefault("health.timeout_window", "30s")
	v.SetDefault("health.log_capacity", 500)
	v.SetDefault("health.link_type", "ethernet")
	v.SetDefault("health.probe_url", "")
	v.SetDefault("health.escalate_after", 3)
	v.SetDefault("health.metrics_namespace", "agentphone")

	v.SetDefault("call.action_hold", "800ms")

	v.SetDefault("conference.grace_window", "2s")
	v.SetDefault("conference.end_guard", "1500ms")

	v.SetDefault("recording.enabled", true)
	v.SetDefault("recording.capture_addr", "127.0.0.1:40000")
	v.SetDefault("recording.download_dir", "./recordings")
	v.SetDefault("recording.sample_rate", 16000)
	v.SetDefault("recording.encoding", "pcm16")
	v.SetDefault("recording.transcription", "none")
	v.SetDefault("recording.transcription_url", "")
	v.SetDefault("recording.reconnect_delay", "3s")

	v.SetDefault("sync.prefix", "agentphone")
	v.SetDefault("sync.call_interval", "2s")
	v.SetDefault("sync.health_interval", "5s")
	v.SetDefault("sync.snapshot_interval", "10s")
	v.SetDefault("sync.ttl", "60s")
	v.SetDefault("sync.redis.enabled", false)
	v.SetDefault("sync.redis.address", "127.0.0.1:6379")
	v.SetDefault("sync.redis.password", "")
	v.SetDefault("sync.redis.db", 0)
	v.SetDefault("sync.mqtt.enabled", false)
	v.SetDefault("sync.mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("sync.mqtt.client_id", "")
	v.SetDefault("sync.mqtt.username", "")
	v.SetDefault("sync.mqtt.password", "")
	v.SetDefault("sync.mqtt.topic", "")

	v.SetDefault("history.path", "./data/history.sqlite")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "127.0.0.1:7070")
}
