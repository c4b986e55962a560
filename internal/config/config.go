package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	SignalURL  string        `mapstructure:"signal_url"`
	APIPort    int           `mapstructure:"api_port"`
	APIToken   string        `mapstructure:"api_token"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Voice VoiceConfig `mapstructure:"voice"`
	ICE   ICEConfig   `mapstructure:"ice"`
	SFU   SFUConfig   `mapstructure:"sfu"`
}

type VoiceConfig struct {
	// Topology is "mesh" or "sfu"; a join acknowledgement from the
	// signal channel may override it per channel.
	Topology string `mapstructure:"topology"`

	AudioBitrate    uint64 `mapstructure:"audio_bitrate"`
	VideoBitrate    uint64 `mapstructure:"video_bitrate"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`

	ReconnectBase    time.Duration `mapstructure:"reconnect_base"`
	ReconnectCeiling time.Duration `mapstructure:"reconnect_ceiling"`

	SignalQueueCap int `mapstructure:"signal_queue_cap"`

	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	SpeakingHangover  int           `mapstructure:"speaking_hangover"`
	StatsInterval     time.Duration `mapstructure:"stats_interval"`
}

type ICEConfig struct {
	STUNURLs []string `mapstructure:"stun_urls"`
	TURNURL  string   `mapstructure:"turn_url"`
	TURNUser string   `mapstructure:"turn_user"`
	TURNPass string   `mapstructure:"turn_pass"`
}

type SFUConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("signal_url", "wss://localhost:8080/api/ws/signal")
	v.SetDefault("api_port", 9190)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("voice.topology", "mesh")
	v.SetDefault("voice.audio_bitrate", 64_000)
	v.SetDefault("voice.video_bitrate", 1_500_000)
	v.SetDefault("voice.disconnect_grace", "4s")
	v.SetDefault("voice.reconnect_base", "500ms")
	v.SetDefault("voice.reconnect_ceiling", "30s")
	v.SetDefault("voice.signal_queue_cap", 128)
	v.SetDefault("voice.speaking_threshold", 0.02)
	v.SetDefault("voice.speaking_hangover", 25)
	v.SetDefault("voice.stats_interval", "2s")

	v.SetDefault("ice.stun_urls", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("sfu.request_timeout", "5s")
	v.SetDefault("sfu.sync_interval", "30s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
