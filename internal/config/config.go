// Package config resolves process bootstrap configuration: the
// handful of settings needed before the database-backed config
// resolver (internal/configresolver) even exists.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	masterKeyEnv    = "PLUGIN_CREDENTIALS_MASTER_KEY" //nolint:gosec // env var name, not a credential value.
	masterKeyLength = 32
)

// Config holds process bootstrap settings, sourced from the
// environment (with an optional local .env file for development).
type Config struct {
	ListenAddr       string
	DatabasePath     string
	AdminUsername    string
	PublicBaseURL    string
	LogLevel         string
	LogFormat        string
	SyncInterval     time.Duration
	ShutdownDrain    time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real environment
// variables always take precedence over it.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr:    envOr("LISTEN_ADDR", ":8080"),
		DatabasePath:  envOr("DATABASE_PATH", "orbit.db"),
		AdminUsername: envOr("ADMIN_USERNAME", "admin"),
		PublicBaseURL: envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "text"),
		SyncInterval:  envDuration("SYNC_INTERVAL", time.Hour),
		ShutdownDrain: envDuration("SHUTDOWN_DRAIN", 30*time.Second),
	}
}

// PluginCredential reads PLUGIN_<ID>_CLIENT_ID / PLUGIN_<ID>_CLIENT_SECRET
// for a registered plugin id. No other package calls it.
func PluginCredential(pluginID string) (clientID, clientSecret string) {
	upper := envKeyUpper(pluginID)
	return os.Getenv("PLUGIN_" + upper + "_CLIENT_ID"), os.Getenv("PLUGIN_" + upper + "_CLIENT_SECRET")
}

// MasterKey reads the optional at-rest encryption key for plugin OAuth
// credentials, hex-encoded with an optional "0x" prefix. If unset,
// plugin credentials are stored in cleartext.
func MasterKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(masterKeyEnv))
	if raw == "" {
		return nil, nil
	}
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", masterKeyEnv, err)
	}
	if len(key) != masterKeyLength {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", masterKeyEnv, masterKeyLength, len(key))
	}
	return key, nil
}

func envKeyUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
