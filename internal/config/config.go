package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr string `envconfig:"ADDR" default:":8080"`
	Env  string `envconfig:"APP_ENV" default:"production"`
	// Host patterns allowed to open websocket connections, on top of
	// same-origin requests.
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"localhost:3000,localhost:3001"`
	// Outbound message buffer per connection. A connection that falls this
	// far behind gets dropped from its room's broadcasts.
	SessionBuffer int `envconfig:"SESSION_BUFFER" default:"8"`
	// Rooms that stay empty this long (created but never joined) are swept
	// from the registry.
	RoomTTL time.Duration `envconfig:"ROOM_TTL" default:"1h"`
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Development() bool { return c.Env == "development" }
