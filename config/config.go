package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Backend  BackendConfig `yaml:"backend"`
	Storage  StorageConfig `yaml:"storage"`
	Local    LocalConfig   `yaml:"local"`
	LogLevel string        `yaml:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig describes the remote function backend and its sign-in endpoint
type BackendConfig struct {
	// AuthBaseURL is prefixed to /auth/v1/signin/anonymously and /auth/check.
	AuthBaseURL string `yaml:"auth_base_url"`
	// FunctionBaseURL is the env host; functions are addressed as {FunctionBaseURL}/{name}.
	FunctionBaseURL string `yaml:"function_base_url"`
	// EnvID is sent as "env" alongside every function payload.
	EnvID          string        `yaml:"env_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// DeviceID overrides the persisted x-device-id when set.
	DeviceID string `yaml:"device_id"`
	// CategoryFunction returns the template category list.
	CategoryFunction string        `yaml:"category_function"`
	CategoryCacheTTL time.Duration `yaml:"category_cache_ttl"`
}

// StorageConfig holds object-storage configuration
type StorageConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// ProviderDomain is the regional endpoint; "{region}" is substituted.
	ProviderDomain string        `yaml:"provider_domain"`
	SecretID       string        `yaml:"secret_id"`
	SecretKey      string        `yaml:"secret_key"`
	CDNDomain      string        `yaml:"cdn_domain"`
	UseHTTPS       bool          `yaml:"use_https"`
	MaxFileSize    int64         `yaml:"max_file_size"`
	Timeout        time.Duration `yaml:"timeout"`
}

// LocalConfig holds on-device state configuration
type LocalConfig struct {
	StatePath       string `yaml:"state_path"`
	TempDirBase     string `yaml:"temp_dir_base"`
	MaxMultipartMem int64  `yaml:"max_multipart_mem"`
}

// Endpoint returns the regional storage host with the region substituted.
func (s StorageConfig) Endpoint() string {
	return strings.ReplaceAll(s.ProviderDomain, "{region}", s.Region)
}

// OriginHost returns the virtual-host style bucket origin.
func (s StorageConfig) OriginHost() string {
	return s.Bucket + "." + s.Endpoint()
}

// Scheme returns the URL scheme used for object URLs.
func (s StorageConfig) Scheme() string {
	if s.UseHTTPS {
		return "https"
	}
	return "http"
}

// LoadConfig loads configuration from an optional YAML file and environment variables with defaults
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path, ok := os.LookupEnv("CONFIG_FILE"); ok && path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Backend: BackendConfig{
			RequestTimeout:   30 * time.Second,
			CategoryFunction: "getCategories",
			CategoryCacheTTL: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Region:         "ap-guangzhou",
			ProviderDomain: "cos.{region}.myqcloud.com",
			UseHTTPS:       true,
			MaxFileSize:    100 << 20, // 100 MB
			Timeout:        60 * time.Second,
		},
		Local: LocalConfig{
			StatePath:       "faceswap_state.db",
			MaxMultipartMem: 32 << 20,
		},
		LogLevel: "info",
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Backend.AuthBaseURL = getEnv("BACKEND_AUTH_BASE_URL", cfg.Backend.AuthBaseURL)
	cfg.Backend.FunctionBaseURL = getEnv("BACKEND_FUNCTION_BASE_URL", cfg.Backend.FunctionBaseURL)
	cfg.Backend.EnvID = getEnv("BACKEND_ENV_ID", cfg.Backend.EnvID)
	cfg.Backend.RequestTimeout = getDurationEnv("BACKEND_REQUEST_TIMEOUT", cfg.Backend.RequestTimeout)
	cfg.Backend.DeviceID = getEnv("BACKEND_DEVICE_ID", cfg.Backend.DeviceID)
	cfg.Backend.CategoryFunction = getEnv("BACKEND_CATEGORY_FUNCTION", cfg.Backend.CategoryFunction)
	cfg.Backend.CategoryCacheTTL = getDurationEnv("BACKEND_CATEGORY_CACHE_TTL", cfg.Backend.CategoryCacheTTL)
	if cfg.Backend.AuthBaseURL == "" {
		cfg.Backend.AuthBaseURL = cfg.Backend.FunctionBaseURL
	}

	cfg.Storage.Bucket = getEnv("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Region = getEnv("STORAGE_REGION", cfg.Storage.Region)
	cfg.Storage.ProviderDomain = getEnv("STORAGE_PROVIDER_DOMAIN", cfg.Storage.ProviderDomain)
	cfg.Storage.SecretID = getEnv("STORAGE_SECRET_ID", cfg.Storage.SecretID)
	cfg.Storage.SecretKey = getEnv("STORAGE_SECRET_KEY", cfg.Storage.SecretKey)
	cfg.Storage.CDNDomain = getEnv("STORAGE_CDN_DOMAIN", cfg.Storage.CDNDomain)
	cfg.Storage.UseHTTPS = getBoolEnv("STORAGE_USE_HTTPS", cfg.Storage.UseHTTPS)
	cfg.Storage.MaxFileSize = getInt64Env("STORAGE_MAX_FILE_SIZE", cfg.Storage.MaxFileSize)
	cfg.Storage.Timeout = getDurationEnv("STORAGE_TIMEOUT", cfg.Storage.Timeout)

	cfg.Local.StatePath = getEnv("LOCAL_STATE_PATH", cfg.Local.StatePath)
	cfg.Local.TempDirBase = getEnv("TEMP_DIR_BASE", cfg.Local.TempDirBase) // Empty means use system default
	cfg.Local.MaxMultipartMem = getInt64Env("MAX_MULTIPART_MEM", cfg.Local.MaxMultipartMem)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
}

// Validate reports missing mandatory settings
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.FunctionBaseURL == "" {
		errs = append(errs, errors.New("backend function base URL is required"))
	}
	if c.Backend.EnvID == "" {
		errs = append(errs, errors.New("backend env id is required"))
	}
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage bucket is required"))
	}
	if c.Storage.Region == "" {
		errs = append(errs, errors.New("storage region is required"))
	}
	if c.Storage.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid storage max file size: %d", c.Storage.MaxFileSize))
	}
	return errors.Join(errs...)
}

// Helper functions to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}
