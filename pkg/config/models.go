package config

import "time"

type Config struct {
	Server     ServerConfig
	Transport  TransportConfig
	Scheduling SchedulingConfig
	Store      StoreConfig
	LogLevel   string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout      time.Duration `mapstructure:"readTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	SendBuffer       int           `mapstructure:"sendBuffer"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
}

type SchedulingConfig struct {
	// BufferMinutes is the symmetric grace period added around a candidate
	// booking window before overlap comparison.
	BufferMinutes int `mapstructure:"bufferMinutes"`
}

type StoreConfig struct {
	Path string
}
