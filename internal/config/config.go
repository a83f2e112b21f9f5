package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL,required=true"`
	ProviderBaseURL    string `env:"PROVIDER_BASE_URL,required=true"`
	ProviderAPIKey     string `env:"PROVIDER_API_KEY,required=true"`
	SendRatePerSec     int    `env:"SEND_RATE_PER_SEC,default=10"`
	SendTimeoutSeconds int    `env:"SEND_TIMEOUT_SECONDS,default=30"`
	FinishGraceSeconds int    `env:"FINISH_GRACE_SECONDS,default=5"`
	APIPort            int    `env:"API_PORT,default=8080"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// SendTimeout is the per-call bound on the provider send. Zero disables the
// bound for deployments that prefer the provider's own timeout.
func (c *Config) SendTimeout() time.Duration {
	if c.SendTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c *Config) FinishGrace() time.Duration {
	return time.Duration(c.FinishGraceSeconds) * time.Second
}
