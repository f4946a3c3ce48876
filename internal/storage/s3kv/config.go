package s3kv

import (
	"time"
)

// Config represents the S3 medium configuration
type Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	SessionToken    string `yaml:"session_token" env:"SESSION_TOKEN"`
	ForcePathStyle  bool   `yaml:"force_path_style" env:"FORCE_PATH_STYLE"`

	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// StorageClass is passed through on writes, e.g. "STANDARD_IA"
	StorageClass string `yaml:"storage_class" env:"STORAGE_CLASS"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		Prefix:         "durastore/",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		StorageClass:   "STANDARD",
	}
}
