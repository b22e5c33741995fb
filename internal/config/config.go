package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Both binaries share
// the one file; each reads the sections it needs.
type FileConfig struct {
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	TelegramToken string `yaml:"telegramToken"`

	GeminiAPIKey       string  `yaml:"geminiAPIKey"`
	VisionModel        string  `yaml:"visionModel"`
	InterpretModel     string  `yaml:"interpretModel"`
	ClassifierModel    string  `yaml:"classifierModel"`
	RejectionThreshold float64 `yaml:"rejectionThreshold"`
	RejectionDailyMax  int     `yaml:"rejectionDailyMax"`

	PhotoRatePerMinute int `yaml:"photoRatePerMinute"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	QueueStream   string `yaml:"queueStream"`
	QueueGroup    string `yaml:"queueGroup"`
	QueueRetries  int    `yaml:"queueRetries"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AccountsURL        string        `yaml:"accountsURL"`
	AccountsKeyPath    string        `yaml:"accountsKeyPath"`
	AccountsIssuer     string        `yaml:"accountsIssuer"`
	LinkCacheTTL       time.Duration `yaml:"linkCacheTTL"`
	WorkerConcurrency  int           `yaml:"workerConcurrency"`
	WorkerHealthPort   string        `yaml:"workerHealthPort"`
	SignupBonusCredits int64         `yaml:"signupBonusCredits"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("ACCOUNTS_URL"); v != "" {
		cfg.AccountsURL = v
	}
	if v := os.Getenv("ARCANA_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.VisionModel == "" {
		cfg.VisionModel = "gemini-2.0-flash"
	}
	if cfg.InterpretModel == "" {
		cfg.InterpretModel = "gemini-2.0-flash"
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = "gemini-2.0-flash-lite"
	}
	if cfg.RejectionThreshold <= 0 {
		cfg.RejectionThreshold = 0.8
	}
	if cfg.RejectionDailyMax <= 0 {
		cfg.RejectionDailyMax = 3
	}
	if cfg.PhotoRatePerMinute <= 0 {
		cfg.PhotoRatePerMinute = 6
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "arcana:readings"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "workers"
	}
	if cfg.QueueRetries <= 0 {
		cfg.QueueRetries = 3
	}
	if cfg.LinkCacheTTL <= 0 {
		cfg.LinkCacheTTL = 5 * time.Minute
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	if cfg.WorkerHealthPort == "" {
		cfg.WorkerHealthPort = "8081"
	}
	if cfg.SignupBonusCredits <= 0 {
		cfg.SignupBonusCredits = 1
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.TelegramToken == "" {
		return errors.New("config: telegramToken is required (set in config.yaml or TELEGRAM_BOT_TOKEN)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.AccountsURL != "" {
		if cfg.AccountsKeyPath == "" {
			return errors.New("config: accountsKeyPath is required when accountsURL is set")
		}
		if cfg.AccountsIssuer == "" {
			return errors.New("config: accountsIssuer is required when accountsURL is set")
		}
	}
	if cfg.RejectionThreshold > 1 {
		return errors.New("config: rejectionThreshold must be in (0, 1]")
	}
	return nil
}
