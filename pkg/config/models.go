package config

import "time"

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Transport TransportConfig
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Log       LogConfig
}

type ServerConfig struct {
	Address string
	// NodeName identifies this process in pub/sub envelopes. Defaults to the
	// hostname when empty.
	NodeName string `mapstructure:"nodeName"`
	Auth     AuthConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// RateLimitConfig covers the upgrade-path connect limiter and the per-event
// message limiter. Window and lockout are independent durations on purpose:
// abuse during a lockout must not extend it.
type RateLimitConfig struct {
	ConnectRequests int           `mapstructure:"connectRequests"`
	ConnectWindow   time.Duration `mapstructure:"connectWindow"`
	ConnectLockout  time.Duration `mapstructure:"connectLockout"`
	EventRequests   int           `mapstructure:"eventRequests"`
	EventWindow     time.Duration `mapstructure:"eventWindow"`
	EventLockout    time.Duration `mapstructure:"eventLockout"`
}

type LogConfig struct {
	Level string
}
