// Package config loads and validates process configuration.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML file,
// a .env file (if present) and the process environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderCredentials holds one OAuth client registration.
type ProviderCredentials struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
}

// Check reports whether the registration is usable for a live flow.
func (p ProviderCredentials) Check() error {
	var bad []string
	if IsPlaceholder(p.ClientID) {
		bad = append(bad, "client_id")
	}
	if IsPlaceholder(p.ClientSecret) {
		bad = append(bad, "client_secret")
	}
	if len(bad) > 0 {
		return fmt.Errorf("missing or placeholder %s", strings.Join(bad, ", "))
	}
	return nil
}

type Config struct {
	Server struct {
		HTTPAddr        string        `yaml:"http_addr" json:"http_addr"`
		GRPCAddr        string        `yaml:"grpc_addr" json:"grpc_addr"`
		AppOrigin       string        `yaml:"app_origin" json:"app_origin"`
		CallbackURL     string        `yaml:"callback_url" json:"callback_url"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	} `yaml:"server" json:"server"`

	Database struct {
		DSN string `yaml:"dsn" json:"dsn"`
	} `yaml:"database" json:"database"`

	Redis struct {
		Addr     string `yaml:"addr" json:"addr"` // empty => in-process state store
		Password string `yaml:"password" json:"password"`
		DB       int    `yaml:"db" json:"db"`
	} `yaml:"redis" json:"redis"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	} `yaml:"auth" json:"auth"`

	Security struct {
		MasterKey string `yaml:"master_key" json:"master_key"` // base64, 32 bytes
	} `yaml:"security" json:"security"`

	OAuth struct {
		Google      ProviderCredentials `yaml:"google" json:"google"`
		Meta        ProviderCredentials `yaml:"meta" json:"meta"`
		WooCommerce ProviderCredentials `yaml:"woocommerce" json:"woocommerce"`
		StateTTL    time.Duration       `yaml:"state_ttl" json:"state_ttl"`

		// GoogleAdsDeveloperToken is sent on every Google Ads API call.
		GoogleAdsDeveloperToken string `yaml:"google_ads_developer_token" json:"google_ads_developer_token"`
	} `yaml:"oauth" json:"oauth"`

	Webhooks struct {
		MetaAds     string `yaml:"meta_ads" json:"meta_ads"`
		GoogleAds   string `yaml:"google_ads" json:"google_ads"`
		WooCommerce string `yaml:"woocommerce" json:"woocommerce"`
	} `yaml:"webhooks" json:"webhooks"`

	SMTP struct {
		Host string `yaml:"host" json:"host"` // empty => reconnect emails are logged only
		Port int    `yaml:"port" json:"port"`
		User string `yaml:"user" json:"user"`
		Pass string `yaml:"pass" json:"pass"`
		From string `yaml:"from" json:"from"`
		To   string `yaml:"to" json:"to"` // account-management inbox for reconnect notices
	} `yaml:"smtp" json:"smtp"`

	Sync struct {
		LockTTL     time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
		HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout"`
		BatchSize   int           `yaml:"batch_size" json:"batch_size"`
		Synthetic   bool          `yaml:"synthetic" json:"synthetic"`
	} `yaml:"sync" json:"sync"`

	Log struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"log" json:"log"`
}

// Load reads the optional YAML file at path, applies .env and environment
// overrides and fills defaults. It does not validate; call Validate.
func Load(path string, envFiles ...string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	for _, f := range envFiles {
		// missing .env files are fine; the environment may carry everything
		_ = godotenv.Load(f)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":9090"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = 10 * time.Minute
	}
	if c.Sync.LockTTL == 0 {
		c.Sync.LockTTL = 15 * time.Minute
	}
	if c.Sync.HTTPTimeout == 0 {
		c.Sync.HTTPTimeout = 30 * time.Second
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 100
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"HTTP_ADDR":                  &c.Server.HTTPAddr,
		"GRPC_ADDR":                  &c.Server.GRPCAddr,
		"APP_ORIGIN":                 &c.Server.AppOrigin,
		"OAUTH_CALLBACK_URL":         &c.Server.CallbackURL,
		"DATABASE_URL":               &c.Database.DSN,
		"REDIS_ADDR":                 &c.Redis.Addr,
		"REDIS_PASSWORD":             &c.Redis.Password,
		"AUTH_JWT_SECRET":            &c.Auth.JWTSecret,
		"MASTER_KEY":                 &c.Security.MasterKey,
		"GOOGLE_CLIENT_ID":           &c.OAuth.Google.ClientID,
		"GOOGLE_CLIENT_SECRET":       &c.OAuth.Google.ClientSecret,
		"META_APP_ID":                &c.OAuth.Meta.ClientID,
		"META_APP_SECRET":            &c.OAuth.Meta.ClientSecret,
		"WOOCOMMERCE_CLIENT_ID":      &c.OAuth.WooCommerce.ClientID,
		"WOOCOMMERCE_SECRET":         &c.OAuth.WooCommerce.ClientSecret,
		"GOOGLE_ADS_DEVELOPER_TOKEN": &c.OAuth.GoogleAdsDeveloperToken,
		"META_WEBHOOK_SECRET":        &c.Webhooks.MetaAds,
		"GOOGLE_WEBHOOK_SECRET":      &c.Webhooks.GoogleAds,
		"WOOCOMMERCE_WEBHOOK_SECRET": &c.Webhooks.WooCommerce,
		"SMTP_HOST":                  &c.SMTP.Host,
		"SMTP_USER":                  &c.SMTP.User,
		"SMTP_PASS":                  &c.SMTP.Pass,
		"SMTP_FROM":                  &c.SMTP.From,
		"SMTP_TO":                    &c.SMTP.To,
		"LOG_LEVEL":                  &c.Log.Level,
	}
	for k, dst := range str {
		if v, ok := os.LookupEnv(k); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	// Front-end build variable names are accepted for the client ids.
	if c.OAuth.Google.ClientID == "" {
		c.OAuth.Google.ClientID = os.Getenv("VITE_GOOGLE_CLIENT_ID")
	}
	if c.OAuth.Meta.ClientID == "" {
		c.OAuth.Meta.ClientID = os.Getenv("VITE_META_APP_ID")
	}

	var errs []string
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "REDIS_DB: not an integer")
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "SMTP_PORT: not an integer")
		}
		c.SMTP.Port = n
	}
	if v := os.Getenv("SYNC_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "SYNC_BATCH_SIZE: not an integer")
		}
		c.Sync.BatchSize = n
	}
	durations := map[string]*time.Duration{
		"OAUTH_STATE_TTL":   &c.OAuth.StateTTL,
		"SYNC_LOCK_TTL":     &c.Sync.LockTTL,
		"SYNC_HTTP_TIMEOUT": &c.Sync.HTTPTimeout,
		"SHUTDOWN_TIMEOUT":  &c.Server.ShutdownTimeout,
	}
	for k, dst := range durations {
		if v := os.Getenv(k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, k+": invalid duration")
				continue
			}
			*dst = d
		}
	}
	if v := os.Getenv("SYNC_SYNTHETIC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, "SYNC_SYNTHETIC: not a boolean")
		}
		c.Sync.Synthetic = b
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the keys the process cannot start without and returns every
// problem at once. OAuth client registrations are checked per provider at
// flow start instead, so one unconfigured provider does not block the others.
func (c *Config) Validate() error {
	err := validation.Errors{
		"server": validation.ValidateStruct(&c.Server,
			validation.Field(&c.Server.HTTPAddr, validation.Required),
			validation.Field(&c.Server.AppOrigin, validation.Required, is.URL, validation.By(notPlaceholder)),
			validation.Field(&c.Server.CallbackURL, validation.Required, is.URL, validation.By(notPlaceholder)),
		),
		"database": validation.ValidateStruct(&c.Database,
			validation.Field(&c.Database.DSN, validation.Required),
		),
		"auth": validation.ValidateStruct(&c.Auth,
			validation.Field(&c.Auth.JWTSecret, validation.Required, validation.Length(16, 0), validation.By(notPlaceholder)),
		),
		"security": validation.ValidateStruct(&c.Security,
			validation.Field(&c.Security.MasterKey, validation.Required, validation.By(masterKey)),
		),
		"sync": validation.ValidateStruct(&c.Sync,
			validation.Field(&c.Sync.BatchSize, validation.Min(1), validation.Max(1000)),
		),
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		),
	}.Filter()
	if err == nil {
		return nil
	}
	return &ValidationError{Problems: flatten("", err)}
}

// ProviderProblems lists OAuth providers whose registration is unusable.
func (c *Config) ProviderProblems() map[string]error {
	out := map[string]error{}
	for name, p := range map[string]ProviderCredentials{
		"google":      c.OAuth.Google,
		"meta":        c.OAuth.Meta,
		"woocommerce": c.OAuth.WooCommerce,
	} {
		if err := p.Check(); err != nil {
			out[name] = err
		}
	}
	return out
}

// WebhookProblems lists platforms whose webhook secret is missing or a
// template value. Deliveries for those platforms are rejected.
func (c *Config) WebhookProblems() map[string]error {
	out := map[string]error{}
	for name, v := range map[string]string{
		"meta_ads":    c.Webhooks.MetaAds,
		"google_ads":  c.Webhooks.GoogleAds,
		"woocommerce": c.Webhooks.WooCommerce,
	} {
		switch {
		case strings.TrimSpace(v) == "":
			out[name] = errors.New("secret not set")
		case IsPlaceholder(v):
			out[name] = errors.New("secret is a placeholder value")
		}
	}
	return out
}

// MasterKeyBytes decodes the credential sealing key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Security.MasterKey)
}

// ValidationError carries one entry per invalid key, e.g. "auth.jwt_secret: cannot be blank".
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func flatten(prefix string, err error) []string {
	var out []string
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for k, v := range verrs {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			out = append(out, flatten(key, v)...)
		}
		sort.Strings(out)
		return out
	}
	return []string{prefix + ": " + err.Error()}
}

var (
	placeholderPrefixes = []string{"your-", "your_", "<", "${"}
	placeholderMarkers  = []string{"changeme", "change-me", "placeholder", "replace-me"}
	placeholderExact    = []string{"xxx", "todo", "none", "null", "undefined"}
)

// IsPlaceholder reports whether v is empty or looks like a template value.
func IsPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return true
	}
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	for _, p := range placeholderMarkers {
		if strings.Contains(v, p) {
			return true
		}
	}
	for _, p := range placeholderExact {
		if v == p {
			return true
		}
	}
	return false
}

func notPlaceholder(value interface{}) error {
	s, _ := value.(string)
	if s != "" && IsPlaceholder(s) {
		return errors.New("placeholder value")
	}
	return nil
}

func masterKey(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	k, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errors.New("must be base64")
	}
	if len(k) != 32 {
		return fmt.Errorf("must decode to 32 bytes, got %d", len(k))
	}
	return nil
}
