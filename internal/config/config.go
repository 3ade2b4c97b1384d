package config

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/auth"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "PEPPLANNER"
	defaultHTTPAddress     = "0.0.0.0:3001"
	defaultEnvironment     = "production"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "pepplanner.db"
	defaultLogLevel        = "info"
	defaultUnsignedPolicy  = "allow"
	defaultCORSOrigin      = "http://localhost:5173"
	legacySSOSecretEnv     = "DISCOURSE_SSO_SECRET"
	legacyDatabaseURLEnv   = "DATABASE_URL"
	legacyCORSOriginEnv    = "CORS_ORIGIN"
	keyHTTPAddress         = "http.address"
	keyEnvironment         = "environment"
	keyDatabaseDriver      = "database.driver"
	keyDatabaseDSN         = "database.dsn"
	keyLogLevel            = "log.level"
	keySSOSecret           = "sso.secret"
	keySSOUnsignedPayloads = "sso.unsigned_payloads"
	keyCORSOrigin          = "cors.origin"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	Environment    auth.Environment
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string
	SSOSecret      string
	UnsignedPolicy auth.UnsignedPolicy
	CORSOrigins    []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
// The unprefixed variables of earlier deployments are bound as fallbacks.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(keyEnvironment, defaultEnvironment)
	configViper.SetDefault(keyDatabaseDriver, defaultDatabaseDriver)
	configViper.SetDefault(keyDatabaseDSN, defaultDatabaseDSN)
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keySSOUnsignedPayloads, defaultUnsignedPolicy)
	configViper.SetDefault(keyCORSOrigin, defaultCORSOrigin)

	bindLegacyEnv(configViper, keySSOSecret, legacySSOSecretEnv)
	bindLegacyEnv(configViper, keyDatabaseDSN, legacyDatabaseURLEnv)
	bindLegacyEnv(configViper, keyCORSOrigin, legacyCORSOriginEnv)
}

func bindLegacyEnv(configViper *viper.Viper, key, legacy string) {
	prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if err := configViper.BindEnv(key, prefixed, legacy); err != nil {
		panic(err)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	environment, err := auth.ParseEnvironment(configViper.GetString(keyEnvironment))
	if err != nil {
		return AppConfig{}, err
	}
	policy, err := auth.ParseUnsignedPolicy(configViper.GetString(keySSOUnsignedPayloads))
	if err != nil {
		return AppConfig{}, fmt.Errorf("%s: %w", keySSOUnsignedPayloads, err)
	}

	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString(keyHTTPAddress)),
		Environment:    environment,
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString(keyDatabaseDriver))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString(keyDatabaseDSN)),
		LogLevel:       configViper.GetString(keyLogLevel),
		SSOSecret:      configViper.GetString(keySSOSecret),
		UnsignedPolicy: policy,
		CORSOrigins:    splitOrigins(configViper.GetString(keyCORSOrigin)),
	}

	if isPostgresURL(cfg.DatabaseDSN) {
		cfg.DatabaseDriver = "postgres"
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func isPostgresURL(dsn string) bool {
	lowered := strings.ToLower(dsn)
	return strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://")
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SSOSecret) == "" {
		return fmt.Errorf("%s is required", keySSOSecret)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("%s is required", keyDatabaseDSN)
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres, got %q", keyDatabaseDriver, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("%s is required", keyHTTPAddress)
	}
	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("%s is required", keyCORSOrigin)
	}
	return nil
}
