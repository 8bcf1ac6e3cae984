// Package config содержит логику чтения конфигурации сервиса coursepay.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса coursepay.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	ProcessorAddress string `env:"PROCESSOR_ADDRESS"`
	WebhookSecret    string `env:"WEBHOOK_SECRET"`
	AuthSecret       string `env:"AUTH_SECRET"`
	Currency         string `env:"CURRENCY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProcessorAddress := cfg.ProcessorAddress
	envWebhookSecret := cfg.WebhookSecret
	envAuthSecret := cfg.AuthSecret
	envCurrency := cfg.Currency

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProcessorAddress, "p", "", "payment processor address")
	flag.StringVar(&cfg.WebhookSecret, "w", "", "webhook signing secret")
	flag.StringVar(&cfg.AuthSecret, "s", "", "auth cookie signing secret")
	flag.StringVar(&cfg.Currency, "c", "usd", "platform currency code")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProcessorAddress != "" {
		cfg.ProcessorAddress = envProcessorAddress
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envCurrency != "" {
		cfg.Currency = envCurrency
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}

	return cfg, nil
}
