package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string `yaml:"port"`
	LogLevel           string `yaml:"logLevel"`
	DatabaseURL        string `yaml:"databaseURL"`
	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	AMQPURL            string `yaml:"amqpURL"`
	PushQueue          string `yaml:"pushQueue"`
	JWTSecret          string `yaml:"jwtSecret"`
	VAPIDPublicKey     string `yaml:"vapidPublicKey"`
	VAPIDPrivateKey    string `yaml:"vapidPrivateKey"`
	VAPIDSubscriber    string `yaml:"vapidSubscriber"`
	PresenceTTLSeconds int    `yaml:"presenceTtlSeconds"`
	SendLimitPerMinute int    `yaml:"sendLimitPerMinute"`
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
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("WHISPER_PUSH_QUEUE"); v != "" {
		cfg.PushQueue = v
	}
	if v := os.Getenv("WHISPER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("WHISPER_VAPID_PUBLIC_KEY"); v != "" {
		cfg.VAPIDPublicKey = v
	}
	if v := os.Getenv("WHISPER_VAPID_PRIVATE_KEY"); v != "" {
		cfg.VAPIDPrivateKey = v
	}
	if v := os.Getenv("WHISPER_VAPID_SUBSCRIBER"); v != "" {
		cfg.VAPIDSubscriber = v
	}
	if v := os.Getenv("WHISPER_PRESENCE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PresenceTTLSeconds = n
		}
	}
	if v := os.Getenv("WHISPER_SEND_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or WHISPER_JWT_SECRET)")
	}
	if cfg.VAPIDPrivateKey != "" && cfg.VAPIDPublicKey == "" {
		return errors.New("config: vapidPublicKey is required when vapidPrivateKey is set")
	}
	if cfg.VAPIDPrivateKey != "" && strings.TrimSpace(cfg.VAPIDSubscriber) == "" {
		return errors.New("config: vapidSubscriber is required when push keys are set")
	}
	if cfg.PresenceTTLSeconds < 0 {
		return errors.New("config: presenceTtlSeconds must be >= 0")
	}
	if cfg.SendLimitPerMinute < 0 {
		return errors.New("config: sendLimitPerMinute must be >= 0")
	}
	return nil
}
