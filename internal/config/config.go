// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

type Config struct {
	Addr              string        `env:"ADDR,default=:8080"`
	LogLevel          string        `env:"LOG_LEVEL,default=INFO"`
	StoreDriver       string        `env:"STORE_DRIVER,default=postgres"`
	DBDSN             string        `env:"DB_DSN"`
	BadgerFilepath    string        `env:"BADGER_FILEPATH,default=./data/badger"`
	JWTSecret         string        `env:"JWT_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisChannel      string        `env:"REDIS_CHANNEL,default=go-dm:events"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=60s"`
	WriteWait         time.Duration `env:"WRITE_WAIT,default=10s"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	SendBufferSize    int           `env:"SEND_BUFFER_SIZE,default=256"`
	PresenceAudience  string        `env:"PRESENCE_AUDIENCE,default=global"`
	ReadReceipts      bool          `env:"READ_RECEIPTS,default=false"`
	AllowedOrigins    string        `env:"ALLOWED_ORIGINS,default=*"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=200"`
}

// Load reads an optional .env file, then the process environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBDSN == "" {
			return errors.New("DB_DSN is required when STORE_DRIVER=postgres")
		}
	case DriverBadger:
		if c.BadgerFilepath == "" {
			return errors.New("BADGER_FILEPATH is required when STORE_DRIVER=badger")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if !lo.Contains([]string{"global", "followers"}, c.PresenceAudience) {
		return fmt.Errorf("unknown PRESENCE_AUDIENCE %q", c.PresenceAudience)
	}
	if c.HeartbeatTimeout < time.Second {
		return fmt.Errorf("HEARTBEAT_TIMEOUT too short: %s", c.HeartbeatTimeout)
	}
	if c.AuthTokenDuration <= 0 {
		return errors.New("AUTH_TOKEN_DURATION must be positive")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("HISTORY_LIMIT must be positive")
	}
	return nil
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	return lo.FilterMap(strings.Split(c.AllowedOrigins, ","), func(o string, _ int) (string, bool) {
		o = strings.TrimSpace(o)
		return o, o != ""
	})
}
