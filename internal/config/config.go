package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the engine process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	ARI     ARIConfig
	API     APIConfig
	Media   MediaConfig
	Flow    FlowConfig
	Trunk   TrunkConfig
	Webhook WebhookConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit; production must set it.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// ARIConfig points the engine at the PBX control plane.
type ARIConfig struct {
	// URL is the REST base, e.g. http://pbx:8088/ari
	URL      string
	Username string
	Password string

	// App is the Stasis application name channels are handed to.
	App string
}

type APIConfig struct {
	// SharedSecret authenticates platform callers of the engine API.
	SharedSecret string
}

type MediaConfig struct {
	// CacheDir is the only directory the media resolver writes under.
	CacheDir string

	// TTSURL is the synthesis endpoint; empty disables TTS prompts.
	TTSURL string

	// TranscribeURL is the speech-to-text endpoint used by voicemail
	// detection; empty degrades detection to beep-only.
	TranscribeURL string
}

type FlowConfig struct {
	// Dir holds one JSON flow definition per file, <flow-id>.json.
	Dir string
}

type TrunkConfig struct {
	// ConfDir receives one pjsip stanza file per route.
	ConfDir string
}

type WebhookConfig struct {
	// URL receives lifecycle events; empty disables delivery.
	URL string

	// SigningSecret enables HS256 signing of deliveries when set.
	SigningSecret string

	Timeout time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.ARI.URL = strings.TrimSpace(os.Getenv("ARI_URL"))
	c.ARI.Username = strings.TrimSpace(os.Getenv("ARI_USERNAME"))
	c.ARI.Password = os.Getenv("ARI_PASSWORD")
	c.ARI.App = strings.TrimSpace(os.Getenv("ARI_APP"))

	c.API.SharedSecret = os.Getenv("API_SHARED_SECRET")

	c.Media.CacheDir = strings.TrimSpace(os.Getenv("MEDIA_CACHE_DIR"))
	c.Media.TTSURL = strings.TrimSpace(os.Getenv("MEDIA_TTS_URL"))
	c.Media.TranscribeURL = strings.TrimSpace(os.Getenv("MEDIA_TRANSCRIBE_URL"))

	c.Flow.Dir = strings.TrimSpace(os.Getenv("FLOW_DIR"))

	c.Trunk.ConfDir = strings.TrimSpace(os.Getenv("TRUNK_CONF_DIR"))

	c.Webhook.URL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	c.Webhook.SigningSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")
	c.Webhook.Timeout = mustDuration("WEBHOOK_TIMEOUT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.ARI.URL == "" {
		errs = append(errs, errors.New("ARI_URL is required"))
	} else if !strings.HasPrefix(c.ARI.URL, "http://") && !strings.HasPrefix(c.ARI.URL, "https://") {
		errs = append(errs, fmt.Errorf("ARI_URL must be an http(s) URL, got %q", c.ARI.URL))
	}
	if c.ARI.Username == "" {
		errs = append(errs, errors.New("ARI_USERNAME is required"))
	}
	if c.ARI.Password == "" {
		errs = append(errs, errors.New("ARI_PASSWORD is required"))
	}
	if c.ARI.App == "" {
		errs = append(errs, errors.New("ARI_APP is required"))
	}

	if c.API.SharedSecret == "" {
		errs = append(errs, errors.New("API_SHARED_SECRET is required"))
	}

	if c.Media.CacheDir == "" {
		errs = append(errs, errors.New("MEDIA_CACHE_DIR is required"))
	}
	if c.Flow.Dir == "" {
		errs = append(errs, errors.New("FLOW_DIR is required"))
	}
	if c.Trunk.ConfDir == "" {
		errs = append(errs, errors.New("TRUNK_CONF_DIR is required"))
	}

	if c.Webhook.Timeout <= 0 {
		// Webhook delivery is best-effort; keep the budget short.
		c.Webhook.Timeout = 5 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
