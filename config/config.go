package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	AutoMigrate bool `envconfig:"AUTO_MIGRATE" default:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`
	// Shared Secret für den Worker-Callback (leer = keine Prüfung)
	WorkerSecret string `envconfig:"WORKER_SECRET"`

	// Transport für Jobs an den externen Worker: "webhook" oder "kafka"
	JobTransport     string        `envconfig:"JOB_TRANSPORT" default:"webhook"`
	WorkerWebhookURL string        `envconfig:"WORKER_WEBHOOK_URL"`
	WorkerTimeout    time.Duration `envconfig:"WORKER_TIMEOUT" default:"15s"`
	KafkaBrokers     string        `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaJobTopic    string        `envconfig:"KAFKA_JOB_TOPIC" default:"seo-jobs"`

	// Push-Kanal für Listing-Änderungen
	RedisAddr          string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string `envconfig:"REDIS_PASSWORD"`
	RedisDB            int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannelPrefix string `envconfig:"REDIS_CHANNEL_PREFIX" default:"listing_changes:"`

	// Completion Watcher
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	CompletionStatus string        `envconfig:"COMPLETION_STATUS" default:"seo_done"`
	DefaultSEOMode   string        `envconfig:"DEFAULT_SEO_MODE" default:"balanced"`

	// Bildreferenzen liegen im S3-kompatiblen Storage
	S3Endpoint  string        `envconfig:"S3_ENDPOINT"`
	S3Region    string        `envconfig:"S3_REGION" default:"eu-central-1"`
	S3Key       string        `envconfig:"S3_KEY"`
	S3Secret    string        `envconfig:"S3_SECRET"`
	S3Bucket    string        `envconfig:"S3_BUCKET"`
	ImageURLTTL time.Duration `envconfig:"IMAGE_URL_TTL" default:"1h"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Brokers splittet die kommaseparierte Broker-Liste.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// S3Enabled meldet, ob genug S3-Konfiguration für das Presigning vorhanden ist.
func (c *Config) S3Enabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != "" && c.S3Key != ""
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
