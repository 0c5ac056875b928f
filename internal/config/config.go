package config

import (
	"net/url"

	"github.com/caarlos0/env/v6"
	"github.com/rs/zerolog/log"

	"chatlog/internal/intercept"
	"chatlog/internal/storage"
)

type Config struct {
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	// Storage
	StoreBackend           storage.Backend `env:"STORE_BACKEND" envDefault:"file"`
	StoreDir               string          `env:"STORE_DIR" envDefault:"data/blobs"`
	GCSBucket              string          `env:"GCS_BUCKET"`
	GCSCredentialsJSONPath string          `env:"GCS_CREDENTIALS_JSON_PATH"`
	RedisAddr              string          `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword          string          `env:"REDIS_PASSWORD"`
	RedisDB                int             `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix         string          `env:"REDIS_KEY_PREFIX" envDefault:"chatlog:"`

	// Compaction
	CronSecret       string `env:"CRON_SECRET"`
	AdminKey         string `env:"ADMIN_KEY"`
	CompactSchedule  string `env:"COMPACT_SCHEDULE" envDefault:"15 0 * * *"`
	CompactBatchSize int    `env:"COMPACT_BATCH_SIZE" envDefault:"25"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// Capture proxy
	ProxyListenAddr string   `env:"PROXY_LISTEN_ADDR" envDefault:":8090"`
	ProxyUpstream   string   `env:"PROXY_UPSTREAM"`
	LogEndpoint     string   `env:"LOG_ENDPOINT" envDefault:"http://localhost:8080/api/log-event"`
	CaptureExclude  []string `env:"CAPTURE_EXCLUDE" envSeparator:","`
	CapturePagePath string   `env:"CAPTURE_PAGE_PATH" envDefault:"/"`
	DOMCapturePath  string   `env:"DOM_CAPTURE_PATH"`
}

func New() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse config")
	}
	return cfg
}

// Parse reads the configuration from the environment.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) StoreOptions() storage.Options {
	return storage.Options{
		Backend:            c.StoreBackend,
		Dir:                c.StoreDir,
		PublicBaseURL:      c.PublicBaseURL,
		GCSBucket:          c.GCSBucket,
		GCSCredentialsPath: c.GCSCredentialsJSONPath,
		RedisAddr:          c.RedisAddr,
		RedisPassword:      c.RedisPassword,
		RedisDB:            c.RedisDB,
		RedisKeyPrefix:     c.RedisKeyPrefix,
	}
}

// Excluder builds the capture exclusion list: the defaults, the ingestion
// endpoint itself and CAPTURE_EXCLUDE.
func (c *Config) Excluder() *intercept.Excluder {
	extra := append([]string{}, c.CaptureExclude...)
	if ep := endpointPath(c.LogEndpoint); ep != "" {
		extra = append(extra, ep)
	}
	return intercept.NewExcluder(extra...)
}

func endpointPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return u.Path
}
