package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"unimcp/internal/domain"
	"unimcp/internal/infra/bridge/appstore"
	"unimcp/internal/infra/bridge/neon"
)

// Settings is the environment-derived process configuration.
type Settings struct {
	PrimaryPort    int
	FallbackPort   int
	EnablePrimary  bool
	EnableFallback bool
	Host           string
	APIKeys        []string
	Database       neon.PoolConfig
	AppStore       appstore.Credentials
	StateFile      string
}

// DatabaseConfigured reports whether a database URL was supplied.
func (s Settings) DatabaseConfigured() bool {
	return strings.TrimSpace(s.Database.URL) != ""
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("primary_port", domain.DefaultPrimaryPort)
	v.SetDefault("fallback_port", domain.DefaultFallbackPort)
	v.SetDefault("enable_primary", true)
	v.SetDefault("enable_fallback", true)
	v.SetDefault("db_pool_max", domain.DefaultDBPoolMax)
	v.SetDefault("db_pool_idle_timeout", domain.DefaultDBPoolIdleTimeout.Milliseconds())
	v.SetDefault("db_pool_connection_timeout", domain.DefaultDBPoolConnTimeout.Milliseconds())
	v.SetDefault("db_pool_max_uses", domain.DefaultDBPoolMaxUses)

	// Extra names are alternatives; the first non-empty variable wins.
	_ = v.BindEnv("primary_port", "PRIMARY_PORT", "PORT")
	_ = v.BindEnv("fallback_port", "FALLBACK_PORT")
	_ = v.BindEnv("enable_primary", "ENABLE_PRIMARY")
	_ = v.BindEnv("enable_fallback", "ENABLE_FALLBACK")
	_ = v.BindEnv("host", "HOST")
	_ = v.BindEnv("master_api_key", "MASTER_API_KEY")
	_ = v.BindEnv("vibe_api_key", "VIBE_API_KEY")
	_ = v.BindEnv("database_url", "NEON_DATABASE_URL", "POSTGRES_URL", "DATABASE_URL", "POSTGRESQL_URL")
	_ = v.BindEnv("db_pool_max", "DB_POOL_MAX")
	_ = v.BindEnv("db_pool_idle_timeout", "DB_POOL_IDLE_TIMEOUT")
	_ = v.BindEnv("db_pool_connection_timeout", "DB_POOL_CONNECTION_TIMEOUT")
	_ = v.BindEnv("db_pool_max_uses", "DB_POOL_MAX_USES")
	_ = v.BindEnv("asc_key_id", "APP_STORE_CONNECT_KEY_ID")
	_ = v.BindEnv("asc_issuer_id", "APP_STORE_CONNECT_ISSUER_ID")
	_ = v.BindEnv("asc_private_key", "APP_STORE_CONNECT_PRIVATE_KEY")
	_ = v.BindEnv("asc_private_key_path", "APP_STORE_CONNECT_PRIVATE_KEY_PATH")
	_ = v.BindEnv("state_file", "GATEWAY_STATE_FILE")
	return v
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	v := newEnvViper()

	settings := Settings{
		PrimaryPort:    v.GetInt("primary_port"),
		FallbackPort:   v.GetInt("fallback_port"),
		EnablePrimary:  v.GetBool("enable_primary"),
		EnableFallback: v.GetBool("enable_fallback"),
		Host:           strings.TrimSpace(v.GetString("host")),
		StateFile:      strings.TrimSpace(v.GetString("state_file")),
		Database: neon.PoolConfig{
			URL:            strings.TrimSpace(v.GetString("database_url")),
			MaxConns:       v.GetInt32("db_pool_max"),
			IdleTimeout:    time.Duration(v.GetInt64("db_pool_idle_timeout")) * time.Millisecond,
			ConnectTimeout: time.Duration(v.GetInt64("db_pool_connection_timeout")) * time.Millisecond,
			MaxUses:        v.GetInt64("db_pool_max_uses"),
		},
		AppStore: appstore.Credentials{
			KeyID:    strings.TrimSpace(v.GetString("asc_key_id")),
			IssuerID: strings.TrimSpace(v.GetString("asc_issuer_id")),
		},
	}
	for _, key := range []string{"master_api_key", "vibe_api_key"} {
		if value := strings.TrimSpace(v.GetString(key)); value != "" {
			settings.APIKeys = append(settings.APIKeys, value)
		}
	}

	for name, port := range map[string]int{"PRIMARY_PORT": settings.PrimaryPort, "FALLBACK_PORT": settings.FallbackPort} {
		if port < 0 || port > 65535 {
			return Settings{}, fmt.Errorf("%s out of range: %d", name, port)
		}
	}

	pem, err := privateKeyPEM(v.GetString("asc_private_key"), v.GetString("asc_private_key_path"))
	if err != nil {
		return Settings{}, err
	}
	settings.AppStore.PrivateKeyPEM = pem
	return settings, nil
}

// privateKeyPEM prefers the inline key, turning literal \n sequences into
// newlines.
func privateKeyPEM(inline, path string) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		return []byte(strings.ReplaceAll(inline, `\n`, "\n")), nil
	}
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("read APP_STORE_CONNECT_PRIVATE_KEY_PATH: %w", err)
	}
	return data, nil
}
