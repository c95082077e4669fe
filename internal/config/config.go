// Package config holds the client and server configuration, loaded from an
// optional YAML file plus environment variables.
package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env    string       `yaml:"env" env:"CHATORBIT_ENV" env-default:"local"`
	Server ServerConfig `yaml:"server"`
	WebRTC WebRTCConfig `yaml:"webrtc"`
	Chat   ChatConfig   `yaml:"chat"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	// BaseURL is the signaling backend consumed by the client.
	BaseURL string `yaml:"base_url" env:"CHATORBIT_SERVER_URL" env-default:""`
	// Address is the listen address used by orbitd.
	Address string `yaml:"address" env:"CHATORBIT_LISTEN_ADDR" env-default:""`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"CHATORBIT_STUN_SERVERS"`
	// ConnectTimeout bounds the wait for the peer connection to reach
	// the connected state.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CHATORBIT_CONNECT_TIMEOUT"`
	// DataChannelTimeout bounds the wait for the chat channel to open.
	// Expiry is surfaced as recoverable; it does not close the connection.
	DataChannelTimeout time.Duration `yaml:"data_channel_timeout" env:"CHATORBIT_DC_TIMEOUT"`
	// ICERestartWindow bounds the recovery attempt after the connection
	// reports failed; exhausting it is fatal for the session instance.
	ICERestartWindow time.Duration `yaml:"ice_restart_window" env:"CHATORBIT_ICE_RESTART_WINDOW"`
	// DialTimeout bounds the signaling WebSocket dial.
	DialTimeout time.Duration `yaml:"dial_timeout" env:"CHATORBIT_DIAL_TIMEOUT"`
}

type ChatConfig struct {
	// MessageTimeout bounds a single send on the data channel.
	MessageTimeout time.Duration `yaml:"message_timeout" env:"CHATORBIT_MESSAGE_TIMEOUT"`
	// ReconnectAttempts bounds signaling reconnects after a WS drop.
	ReconnectAttempts int `yaml:"reconnect_attempts" env:"CHATORBIT_RECONNECT_ATTEMPTS"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"CHATORBIT_LOG_LEVEL" env-default:"info"`
}

// MustLoad reads the config file named by CONFIG_PATH when present,
// otherwise falls back to environment variables and defaults.
func MustLoad() *Config {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			panic("config file does not exist: " + path)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			panic("cannot read config: " + err.Error())
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			panic("cannot read environment: " + err.Error())
		}
	}

	cfg.setDefaults()
	return &cfg
}

// MustLoadPath reads the config from an explicit path.
func MustLoadPath(path string) *Config {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file does not exist: " + path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()
	return &cfg
}

// Default returns a config with only the defaults applied. Used by tests
// and by callers that configure everything through flags.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://127.0.0.1:8080"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	if c.WebRTC.ConnectTimeout <= 0 {
		c.WebRTC.ConnectTimeout = 90 * time.Second
	}
	if c.WebRTC.DataChannelTimeout <= 0 {
		c.WebRTC.DataChannelTimeout = 30 * time.Second
	}
	if c.WebRTC.ICERestartWindow <= 0 {
		c.WebRTC.ICERestartWindow = 20 * time.Second
	}
	if c.WebRTC.DialTimeout <= 0 {
		c.WebRTC.DialTimeout = 15 * time.Second
	}
	if c.Chat.MessageTimeout <= 0 {
		c.Chat.MessageTimeout = 10 * time.Second
	}
	if c.Chat.ReconnectAttempts <= 0 {
		c.Chat.ReconnectAttempts = 3
	}
}
