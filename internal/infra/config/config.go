package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	InternalAPI struct {
		BaseURL string        `envconfig:"INTERNAL_API_BASE_URL"`
		Token   string        `envconfig:"INTERNAL_API_TOKEN"`
		Timeout time.Duration `envconfig:"INTERNAL_API_TIMEOUT" default:"2m"`
	} `envconfig:""`

	Repo struct {
		Timeout time.Duration `envconfig:"REPO_CLIENT_TIMEOUT" default:"1m"`
	} `envconfig:""`

	Worker struct {
		Tick        time.Duration `envconfig:"WORKER_TICK" default:"1m"`
		Concurrency int           `envconfig:"WORKER_CONCURRENCY" default:"8"`

		// Окна конвейера доставки.
		UploadLeadTime time.Duration `envconfig:"UPLOAD_LEAD_TIME" default:"30m"`
		UploadLease    time.Duration `envconfig:"UPLOAD_LEASE" default:"10m"`
		MaxPostDelay   time.Duration `envconfig:"MAX_POST_DELAY" default:"5m"`
		PublishLease   time.Duration `envconfig:"PUBLISH_LEASE" default:"1m"`
	} `envconfig:""`
}

// Load читает конфигурацию из окружения. Файл .env, если присутствует,
// подхватывается до разбора переменных.
func Load() AppConfig {
	_ = godotenv.Load()
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
