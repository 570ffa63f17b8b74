package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type WebhookConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Webhook verification
	AppSecret   string `envconfig:"WHATSAPP_APP_SECRET" required:"true"`
	VerifyToken string `envconfig:"WHATSAPP_VERIFY_TOKEN" required:"true"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Dedup cache
	RedisAddr string        `envconfig:"REDIS_ADDR"`
	DedupTTL  time.Duration `envconfig:"DEDUP_TTL" default:"24h"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// WhatsApp Cloud API
	GraphAccessToken string  `envconfig:"WHATSAPP_ACCESS_TOKEN" required:"true"`
	GraphBaseURL     string  `envconfig:"WHATSAPP_GRAPH_BASE_URL" default:"https://graph.facebook.com/v20.0"`
	GraphRPSPerPod   float64 `envconfig:"WHATSAPP_RPS_PER_POD" default:"10"`
	GraphBurst       int     `envconfig:"WHATSAPP_BURST" default:"20"`

	// Media storage
	MediaDir     string `envconfig:"MEDIA_DIR" default:"/var/lib/wabatch/media"`
	MediaBaseURL string `envconfig:"MEDIA_BASE_URL"`

	// Transcription (OpenAI-compatible endpoint); empty base URL disables it
	TranscribeBaseURL  string `envconfig:"TRANSCRIBE_BASE_URL"`
	TranscribeAPIKey   string `envconfig:"TRANSCRIBE_API_KEY"`
	TranscribeModel    string `envconfig:"TRANSCRIBE_MODEL" default:"whisper-1"`
	TranscribeLanguage string `envconfig:"TRANSCRIBE_LANGUAGE"`
}

type ReaperConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	Interval    time.Duration `envconfig:"REAPER_INTERVAL" default:"5m"`
	Grace       time.Duration `envconfig:"REAPER_GRACE" default:"30s"`
	HardCeiling time.Duration `envconfig:"REAPER_HARD_CEILING" default:"10m"`
	// fail_empty: fail zero-ready batches at the ceiling; hold: leave them
	StalePolicy         string        `envconfig:"REAPER_STALE_POLICY" default:"fail_empty"`
	ScanLimit           int           `envconfig:"REAPER_SCAN_LIMIT" default:"100"`
	WebhookLogRetention time.Duration `envconfig:"WEBHOOK_LOG_RETENTION" default:"720h"`
}

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS (outbound sends enqueue through the same task queue)
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadReaper() ReaperConfig {
	var cfg ReaperConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
