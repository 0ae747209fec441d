package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Project   ProjectConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// Mode is "jwt" or "none". With "none" the userId presented in the
	// join envelope is trusted as-is.
	Mode      string
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type ProjectConfig struct {
	// DatabasePath points at the project data service's sqlite file used
	// for join authorization. Empty means every join is allowed.
	DatabasePath string `mapstructure:"databasePath"`
}

type LogConfig struct {
	Level string
}
