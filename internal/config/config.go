package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Source identifies which configuration layer supplied a key.
type Source string

const (
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
	SourceDotenv  Source = "dotenv"
	SourceFile    Source = "file"
	SourceDefault Source = "default"
)

// Providers selectable via the provider key.
const (
	ProviderSMTP   = "smtp"
	ProviderGmail  = "gmail"
	ProviderResend = "resend"
)

const envPrefix = "MAILRUN"

// Config holds all configuration for a run
type Config struct {
	// Provider selects the delivery backend: "smtp", "gmail" or "resend"
	Provider string `mapstructure:"provider"`
	// CSV is the path to the recipient list
	CSV string `mapstructure:"csv"`
	// Template is the path to the body template; empty means the built-in template
	Template string `mapstructure:"template"`
	// Subject is the message subject, itself rendered as a template
	Subject string `mapstructure:"subject"`
	// DryRun renders and validates everything but sends nothing
	DryRun bool `mapstructure:"dry_run"`

	SMTP   SMTPConfig   `mapstructure:"smtp"`
	Gmail  GmailConfig  `mapstructure:"gmail"`
	Resend ResendConfig `mapstructure:"resend"`
	Sender SenderConfig `mapstructure:"sender"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Send   SendConfig   `mapstructure:"send"`
	Log    LogConfig    `mapstructure:"log"`

	sources map[string]Source
	values  map[string]any
}

// SMTPConfig holds SMTP server configuration
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// InsecureSkipVerify disables TLS certificate verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// Addr returns the host:port address of the SMTP server
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SSL reports whether the connection uses implicit TLS.
// Port 465 is the SMTPS submission port; everything else negotiates STARTTLS.
func (c SMTPConfig) SSL() bool {
	return c.Port == 465
}

// GmailConfig holds Gmail API configuration
type GmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID string `mapstructure:"client_id"`
	// ClientSecret for OAuth2 token-based auth
	ClientSecret string `mapstructure:"client_secret"`
	// RefreshToken for OAuth2 token-based auth
	RefreshToken string `mapstructure:"refresh_token"`
}

// ResendConfig holds Resend API configuration
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SenderConfig holds the "From" identity
type SenderConfig struct {
	// Address is the sender email address; defaults to the SMTP username
	Address string `mapstructure:"address"`
	// Name is the display name shown to recipients
	Name string `mapstructure:"name"`
}

// String returns the RFC 5322 form of the sender: "Name <addr>" or the bare
// address.
func (c SenderConfig) String() string {
	if c.Name == "" {
		return c.Address
	}
	return fmt.Sprintf("%s <%s>", c.Name, c.Address)
}

// DisplayName returns the name exposed to templates as sender_name.
func (c SenderConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Address
}

// RetryConfig holds the per-recipient retry policy
type RetryConfig struct {
	// Max is the number of additional attempts after the first failure
	Max int `mapstructure:"max"`
	// Backoff is the delay before the first retry; it doubles per attempt
	Backoff time.Duration `mapstructure:"backoff"`
}

// SendConfig holds batch throughput settings
type SendConfig struct {
	// Rate limits send attempts per second; zero disables the limiter
	Rate float64 `mapstructure:"rate"`
	// Concurrency is the worker count; 1 keeps the batch strictly sequential
	Concurrency int `mapstructure:"concurrency"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File is the rotating log file path; empty disables file logging
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// defaults maps every known key to its fallback value. The key list doubles
// as the universe for source reporting.
var defaults = map[string]any{
	"provider":                  ProviderSMTP,
	"csv":                       "",
	"template":                  "",
	"subject":                   "Automated message",
	"dry_run":                   false,
	"smtp.host":                 "smtp.gmail.com",
	"smtp.port":                 465,
	"smtp.username":             "",
	"smtp.password":             "",
	"smtp.timeout":              "60s",
	"smtp.insecure_skip_verify": false,
	"gmail.credentials_json":    "",
	"gmail.client_id":           "",
	"gmail.client_secret":       "",
	"gmail.refresh_token":       "",
	"resend.api_key":            "",
	"sender.address":            "",
	"sender.name":               "",
	"retry.max":                 3,
	"retry.backoff":             "1s",
	"send.rate":                 0.0,
	"send.concurrency":          1,
	"log.level":                 "info",
	"log.format":                "text",
	"log.file":                  "mailrun.log",
	"log.max_size_mb":           5,
	"log.max_backups":           3,
}

// flagBindings maps CLI flag names to configuration keys. Bound flags take
// precedence over every other source.
var flagBindings = map[string]string{
	"csv":           "csv",
	"template":      "template",
	"subject":       "subject",
	"from-name":     "sender.name",
	"from-address":  "sender.address",
	"provider":      "provider",
	"max-retries":   "retry.max",
	"retry-backoff": "retry.backoff",
	"dry-run":       "dry_run",
	"rate":          "send.rate",
	"concurrency":   "send.concurrency",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"log-file":      "log.file",
}

// Load builds the configuration from, in descending precedence: CLI flags,
// process environment (MAILRUN_*), a .env file (which never overrides real
// environment variables), an optional YAML config file, and defaults. The
// source of every key is recorded and available via Sources.
func Load(flags *pflag.FlagSet) (*Config, error) {
	dotenv, err := loadDotenv(".env")
	if err != nil {
		return nil, err
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	// Optional config file: an explicit --config path, or config.yaml in
	// the working directory
	explicit := ""
	if flags != nil {
		if path, ferr := flags.GetString("config"); ferr == nil {
			explicit = path
		}
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		// A missing implicit config.yaml is fine; a missing --config path
		// is not, and surfaces as a PathError rather than NotFound
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind CLI flags
	if flags != nil {
		for name, key := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The sender address falls back to the SMTP login
	if cfg.Sender.Address == "" {
		cfg.Sender.Address = cfg.SMTP.Username
	}

	cfg.sources = resolveSources(v, flags, dotenv)
	cfg.values = make(map[string]any, len(defaults))
	for key := range defaults {
		cfg.values[key] = v.Get(key)
	}
	return &cfg, nil
}

// loadDotenv reads a dotenv file into the process environment without
// overriding variables that are already set, and reports the names the file
// supplied.
func loadDotenv(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applied := make(map[string]bool, len(env))
	for name, val := range env {
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		if err := os.Setenv(name, val); err != nil {
			return nil, fmt.Errorf("failed to apply %s from %s: %w", name, path, err)
		}
		applied[name] = true
	}
	return applied, nil
}

// resolveSources determines, for every known key, which layer supplied its
// value.
func resolveSources(v *viper.Viper, flags *pflag.FlagSet, dotenv map[string]bool) map[string]Source {
	flagFor := make(map[string]string, len(flagBindings))
	for name, key := range flagBindings {
		flagFor[key] = name
	}

	sources := make(map[string]Source, len(defaults))
	for key := range defaults {
		switch {
		case flags != nil && flagFor[key] != "" && flags.Changed(flagFor[key]):
			sources[key] = SourceFlag
		case dotenv[EnvName(key)]:
			sources[key] = SourceDotenv
		case envSet(key):
			sources[key] = SourceEnv
		case v.InConfig(key):
			sources[key] = SourceFile
		default:
			sources[key] = SourceDefault
		}
	}
	return sources
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(EnvName(key))
	return ok
}

// EnvName returns the environment variable that maps to a configuration key,
// e.g. "smtp.host" -> "MAILRUN_SMTP_HOST".
func EnvName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Sources reports which layer supplied each configuration key.
func (c *Config) Sources() map[string]Source {
	return c.sources
}

// Value returns the effective value of a configuration key.
func (c *Config) Value(key string) any {
	return c.values[key]
}

// Secret reports whether a key holds a credential that must not be printed.
func Secret(key string) bool {
	for _, hint := range []string{"password", "api_key", "token", "secret", "credentials"} {
		if strings.Contains(key, hint) {
			return true
		}
	}
	return false
}

// Keys returns all known configuration keys.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	return keys
}

// Validate checks that the configuration can support a run.
func (c *Config) Validate() error {
	if c.CSV == "" {
		return fmt.Errorf("recipient CSV path is required")
	}

	switch c.Provider {
	case ProviderSMTP, ProviderGmail, ProviderResend:
	default:
		return fmt.Errorf("unknown provider %q (want smtp, gmail or resend)", c.Provider)
	}

	if c.Retry.Max < 0 {
		return fmt.Errorf("retry.max must not be negative")
	}
	if c.Retry.Backoff <= 0 {
		return fmt.Errorf("retry.backoff must be positive")
	}
	if c.Send.Concurrency < 1 {
		return fmt.Errorf("send.concurrency must be at least 1")
	}
	if c.Send.Rate < 0 {
		return fmt.Errorf("send.rate must not be negative")
	}

	if c.DryRun {
		return nil
	}

	// Credential requirements only apply when something will be sent
	switch c.Provider {
	case ProviderSMTP:
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp.host is required")
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			return fmt.Errorf("smtp.port %d is out of range", c.SMTP.Port)
		}
		// Unauthenticated relays are allowed; half a credential is not
		if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
			return fmt.Errorf("smtp.username and smtp.password must be set together")
		}
		// With credentials the sender address falls back to the login; an
		// unauthenticated relay has nothing to fall back to
		if c.Sender.Address == "" && c.SMTP.Username == "" {
			return fmt.Errorf("sender.address is required when smtp.username is empty")
		}
	case ProviderGmail:
		if c.Gmail.CredentialsJSON == "" && (c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "") {
			return fmt.Errorf("gmail provider needs credentials_json or client_id/client_secret/refresh_token")
		}
		if c.Sender.Address == "" {
			return fmt.Errorf("sender.address is required for the gmail provider")
		}
	case ProviderResend:
		if c.Resend.APIKey == "" {
			return fmt.Errorf("resend.api_key is required")
		}
		if c.Sender.Address == "" {
			return fmt.Errorf("sender.address is required for the resend provider")
		}
	}

	return nil
}
