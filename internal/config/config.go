// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса. Набор администраторов
// и таблица промокодов задаются здесь и передаются в движок, а не
// читаются из глобальных констант.
type Config struct {
	RunAddress     string           `env:"RUN_ADDRESS"`
	DatabaseURI    string           `env:"DATABASE_URI"`
	GatewayAddress string           `env:"GATEWAY_ADDRESS"`
	GatewayAPIKey  string           `env:"GATEWAY_API_KEY"`
	IPNSecret      string           `env:"IPN_SECRET"`
	APIToken       string           `env:"API_TOKEN"`
	NotifyAddress  string           `env:"NOTIFY_ADDRESS"`
	AdminIDs       []int64          `env:"ADMIN_IDS" envSeparator:","`
	PromoCodes     map[string]int64 `env:"PROMO_CODES" envSeparator:"," envKeyValSeparator:":"`
	DefaultCity    string           `env:"DEFAULT_CITY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env нужен только для локального запуска, его отсутствие не ошибка.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.DefaultCity == "" {
		cfg.DefaultCity = "Bukhara"
	}

	return cfg, nil
}
