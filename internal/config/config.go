package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "BLOGGIES"
	envRuntime              = "BLOGGIES_ENV"
	defaultRuntime          = "dev"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabasePath     = "bloggies.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultAuthIssuer       = "bloggies-auth"
	defaultCookieName       = "token"
	defaultTokenTTLMinutes  = 60
	defaultMembershipMonths = 1
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress            string
	DatabaseDriver         string
	DatabasePath           string
	DatabaseDSN            string
	LogLevel               string
	LogFormat              string
	AuthSigningSecret      string
	AuthIssuer             string
	AuthCookieName         string
	TokenTTL               time.Duration
	BillingWebhookSecret   string
	AllowedOrigins         []string
	MembershipPeriodMonths int
}

// LoadDotEnv loads .env files for the current runtime without overriding variables
// already present in the environment. Earlier files win.
func LoadDotEnv(rootPath string) {
	runtime := os.Getenv(envRuntime)
	if runtime == "" {
		runtime = defaultRuntime
	}
	for _, name := range []string{".env." + runtime + ".local", ".env.local", ".env." + runtime, ".env"} {
		_ = godotenv.Load(rootPath + name)
	}
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("billing.webhook_secret", "")
	configViper.SetDefault("cors.allowed_origins", "")
	configViper.SetDefault("membership.period_months", defaultMembershipMonths)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		DatabaseDriver:         strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:           configViper.GetString("database.path"),
		DatabaseDSN:            configViper.GetString("database.dsn"),
		LogLevel:               configViper.GetString("log.level"),
		LogFormat:              configViper.GetString("log.format"),
		AuthSigningSecret:      configViper.GetString("auth.signing_secret"),
		AuthIssuer:             configViper.GetString("auth.issuer"),
		AuthCookieName:         configViper.GetString("auth.cookie_name"),
		TokenTTL:               time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		BillingWebhookSecret:   configViper.GetString("billing.webhook_secret"),
		AllowedOrigins:         splitList(configViper.GetString("cors.allowed_origins")),
		MembershipPeriodMonths: configViper.GetInt("membership.period_months"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MembershipPeriodMonths <= 0 {
		return fmt.Errorf("membership.period_months must be positive")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
