package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all server configuration, loaded from environment variables
// with an optional .env file fallback (real environment wins).
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	Env        string `env:"ENV" envDefault:"development"`

	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	PostgresURL string `env:"POSTGRES_URL"`
	NATSURL     string `env:"NATS_URL"`

	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Matchmaking
	MinPlayers    int           `env:"MIN_PLAYERS" envDefault:"2"`
	MaxPlayers    int           `env:"MAX_PLAYERS" envDefault:"16"`
	QueueInterval time.Duration `env:"QUEUE_INTERVAL" envDefault:"2s"`
	QueueTimeout  time.Duration `env:"QUEUE_TIMEOUT" envDefault:"5m"`

	// Match lifecycle
	TickRate       int           `env:"TICK_RATE" envDefault:"30"`
	MatchTimeLimit time.Duration `env:"MATCH_TIME_LIMIT" envDefault:"15m"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads the optional .env file, then parses the environment.
// Missing critical values (JWT_SECRET) fail here rather than at first use.
func Load() (*Config, error) {
	// Best effort: absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.MinPlayers < 1 {
		return nil, fmt.Errorf("MIN_PLAYERS must be >= 1, got %d", cfg.MinPlayers)
	}
	if cfg.MaxPlayers < cfg.MinPlayers {
		return nil, fmt.Errorf("MAX_PLAYERS (%d) must be >= MIN_PLAYERS (%d)", cfg.MaxPlayers, cfg.MinPlayers)
	}
	if cfg.TickRate <= 0 {
		return nil, fmt.Errorf("TICK_RATE must be positive, got %d", cfg.TickRate)
	}

	return cfg, nil
}
