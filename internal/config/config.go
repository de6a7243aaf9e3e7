package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	Server        struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Enable   bool          `mapstructure:"enable"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		Prefix   string        `mapstructure:"prefix"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`
	Engine struct {
		MaxSteps        int    `mapstructure:"max_steps"`
		DefaultSenderID string `mapstructure:"default_sender_id"`
		TrackingBaseURL string `mapstructure:"tracking_base_url"`
	} `mapstructure:"engine"`
	Scheduler struct {
		Enable            bool          `mapstructure:"enable"`
		Interval          time.Duration `mapstructure:"interval"`
		SecondaryInterval time.Duration `mapstructure:"secondary_interval"`
		SecondaryWindow   time.Duration `mapstructure:"secondary_window"`
		BatchSize         int           `mapstructure:"batch_size"`
	} `mapstructure:"scheduler"`
	Messaging struct {
		MailURL      string        `mapstructure:"mail_url"`
		SMSURL       string        `mapstructure:"sms_url"`
		WhatsAppURL  string        `mapstructure:"whatsapp_url"`
		IdentityURL  string        `mapstructure:"identity_url"`
		TokenURL     string        `mapstructure:"token_url"`
		ClientID     string        `mapstructure:"client_id"`
		ClientSecret string        `mapstructure:"client_secret"`
		Timeout      time.Duration `mapstructure:"timeout"`
	} `mapstructure:"messaging"`
	Tracking struct {
		AllowedRedirectHosts []string `mapstructure:"allowed_redirect_hosts"`
	} `mapstructure:"tracking"`
	Webhooks struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"webhooks"`
	Auth struct {
		OktaDomain  string `mapstructure:"okta_domain"`
		ClientID    string `mapstructure:"client_id"`
		TenantClaim string `mapstructure:"tenant_claim"`
		DevTenantID string `mapstructure:"dev_tenant_id"`
	} `mapstructure:"auth"`
	Tracing struct {
		Enable     bool   `mapstructure:"enable"`
		OutputFile string `mapstructure:"output_file"`
	} `mapstructure:"tracing"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "careflow:")
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("engine.max_steps", 200)
	v.SetDefault("scheduler.enable", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.secondary_interval", time.Minute)
	v.SetDefault("scheduler.secondary_window", 5*time.Minute)
	v.SetDefault("scheduler.batch_size", 500)
	v.SetDefault("messaging.timeout", 10*time.Second)
	v.SetDefault("auth.tenant_claim", "tenant_id")

	// Registered so AutomaticEnv can populate them during Unmarshal.
	for _, key := range []string{
		"db.user", "db.password", "db.name", "redis.password",
		"engine.default_sender_id", "engine.tracking_base_url",
		"messaging.mail_url", "messaging.sms_url", "messaging.whatsapp_url", "messaging.identity_url",
		"messaging.token_url", "messaging.client_id", "messaging.client_secret",
		"webhooks.secret", "auth.okta_domain", "auth.client_id", "auth.dev_tenant_id",
	} {
		v.SetDefault(key, "")
	}
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches ./config.yaml and ./config/config.yaml; a missing file
// is not an error so the service can run from environment variables alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("CAREFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

// normalizeOktaIssuer removes any trailing slash so issuers pasted from the
// Okta admin console compare equal to the token's iss claim.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
