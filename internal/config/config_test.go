package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)

	// Given only the mandatory values
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_DRIVER", "memory")

	// When the config is loaded without a .env file
	cfg, err := Load(filepath.Join(t.TempDir(), ".env"))

	// Then defaults are applied
	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal(60*time.Second, cfg.HeartbeatTimeout)
	req.Equal(24*time.Hour, cfg.AuthTokenDuration)
	req.Equal("global", cfg.PresenceAudience)
	req.False(cfg.ReadReceipts)
	req.Equal(200, cfg.HistoryLimit)
	req.Equal([]string{"*"}, cfg.Origins())
}

func TestLoad_MissingSecret(t *testing.T) {
	req := require.New(t)

	// Given no JWT secret anywhere
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")

	// When the config is loaded
	_, err := Load(filepath.Join(t.TempDir(), ".env"))

	// Then loading fails
	req.Error(err)
}

func TestLoad_DotEnvFile(t *testing.T) {
	req := require.New(t)

	// Given a .env file with overrides
	path := filepath.Join(t.TempDir(), ".env")
	req.NoError(os.WriteFile(path, []byte("JWT_SECRET=from-file\nSTORE_DRIVER=badger\nBADGER_FILEPATH=/tmp/dm\nREAD_RECEIPTS=true\nALLOWED_ORIGINS=https://a.example, https://b.example\n"), 0o600))
	for _, k := range []string{"JWT_SECRET", "STORE_DRIVER", "BADGER_FILEPATH", "READ_RECEIPTS", "ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	// When the config is loaded from it
	cfg, err := Load(path)

	// Then the file values win over defaults
	req.NoError(err)
	req.Equal("from-file", cfg.JWTSecret)
	req.Equal(DriverBadger, cfg.StoreDriver)
	req.True(cfg.ReadReceipts)
	req.Equal([]string{"https://a.example", "https://b.example"}, cfg.Origins())
}

func TestValidate(t *testing.T) {
	base := Config{
		StoreDriver:       DriverMemory,
		PresenceAudience:  "global",
		HeartbeatTimeout:  time.Minute,
		AuthTokenDuration: time.Hour,
		HistoryLimit:      10,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "postgres without dsn", mutate: func(c *Config) { c.StoreDriver = DriverPostgres }, wantErr: true},
		{name: "postgres with dsn", mutate: func(c *Config) { c.StoreDriver = DriverPostgres; c.DBDSN = "postgres://x" }},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "mysql" }, wantErr: true},
		{name: "unknown audience", mutate: func(c *Config) { c.PresenceAudience = "friends" }, wantErr: true},
		{name: "followers audience", mutate: func(c *Config) { c.PresenceAudience = "followers" }},
		{name: "tiny heartbeat", mutate: func(c *Config) { c.HeartbeatTimeout = time.Millisecond }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
