// Package config содержит логику чтения конфигурации сервиса книжного магазина.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса книжного магазина.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	CouponSweepInterval time.Duration `env:"COUPON_SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envSweepInterval := cfg.CouponSweepInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.DurationVar(&cfg.CouponSweepInterval, "i", 0, "coupon status sweep interval (0 disables background sweep)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envSweepInterval != 0 {
		cfg.CouponSweepInterval = envSweepInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
