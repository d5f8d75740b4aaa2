package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config carries the runtime settings for the api binary.
type Config struct {
	DatabaseURL      string `env:"DATABASE_URL,required"`
	JWTSecret        string `env:"JWT_SECRET,required"`
	CustodyKey       string `env:"CUSTODY_KEY,required"`
	PlatformFeeBP    int64  `env:"PLATFORM_FEE_BP" envDefault:"50"`
	DisputeFeeBP     int64  `env:"DISPUTE_FEE_BP" envDefault:"100"`
	DispatchInterval int    `env:"DISPATCH_INTERVAL_MS" envDefault:"1000"`
	DispatchWorkers  int    `env:"DISPATCH_WORKERS" envDefault:"2"`
}

// Parse loads configuration from environment variables.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
