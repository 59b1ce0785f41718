package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProxyPort     = 9527
	DefaultStoreCapacity = 5000
)

type Config struct {
	// Control API listen address
	Addr            string `yaml:"addr"`
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
	LogMaxSizeMB    int    `yaml:"log_max_size_mb"`
	LogMaxBackups   int    `yaml:"log_max_backups"`
	// Comma-separated browser origins allowed to call the API; empty allows none
	CORSAllowOrigin string `yaml:"cors_allow_origin"`

	// Application data directory; certificates live in <DataDir>/certificates
	DataDir string `yaml:"data_dir"`

	ProxyPort      int  `yaml:"proxy_port"`
	ProxyAutoStart bool `yaml:"proxy_autostart"`
	StoreCapacity  int  `yaml:"store_capacity"`

	// Capture publishing queue
	CaptureQueueSize      int           `yaml:"capture_queue_size"`
	CaptureEnqueueTimeout time.Duration `yaml:"capture_enqueue_timeout"`

	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	InsecureTLS     bool          `yaml:"insecure_tls"`

	// Optional externally provided CA; both must be set to take effect
	CACertFile string `yaml:"ca_cert_file"`
	CAKeyFile  string `yaml:"ca_key_file"`
	// Domain suffix allow/deny lists for TLS interception (e.g. ".example.com,api.test")
	MITMDomainsAllow []string `yaml:"mitm_domains_allow"`
	MITMDomainsDeny  []string `yaml:"mitm_domains_deny"`

	// Unmasked credentials in API and monitor output
	ExposeSensitiveHeaders bool `yaml:"expose_sensitive_headers"`

	// SQLite capture archive; empty disables persistence
	ArchivePath string `yaml:"archive_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:                  "127.0.0.1:9091",
		LogLevel:              "info",
		LogMaxSizeMB:          50,
		LogMaxBackups:         3,
		DataDir:               defaultDataDir(),
		ProxyPort:             DefaultProxyPort,
		ProxyAutoStart:        true,
		StoreCapacity:         DefaultStoreCapacity,
		CaptureQueueSize:      1000,
		CaptureEnqueueTimeout: 2 * time.Second,
		UpstreamTimeout:       60 * time.Second,
	}
}

// CORSOrigins lists the browser origins allowed to use the control API.
func (c Config) CORSOrigins() []string { return splitCSV(c.CORSAllowOrigin) }

// FromEnv returns defaults overridden by the environment.
func FromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// Load layers defaults, then the YAML file at path (if any), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Validate rejects values the proxy cannot run with.
func (c Config) Validate() error {
	if c.ProxyPort < 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("config: proxy_port out of range: %d", c.ProxyPort)
	}
	if c.StoreCapacity <= 0 {
		return fmt.Errorf("config: store_capacity must be positive")
	}
	if c.CaptureQueueSize <= 0 {
		return fmt.Errorf("config: capture_queue_size must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is empty")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.CORSAllowOrigin = getEnv("CORS_ALLOW_ORIGIN", cfg.CORSAllowOrigin)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.ProxyPort = getEnvInt("PROXY_PORT", cfg.ProxyPort)
	cfg.ProxyAutoStart = getEnvBool("PROXY_AUTOSTART", cfg.ProxyAutoStart)
	cfg.StoreCapacity = getEnvInt("STORE_CAPACITY", cfg.StoreCapacity)
	cfg.CaptureQueueSize = getEnvInt("CAPTURE_QUEUE_SIZE", cfg.CaptureQueueSize)
	cfg.CaptureEnqueueTimeout = getEnvMs("CAPTURE_ENQUEUE_TIMEOUT_MS", cfg.CaptureEnqueueTimeout)
	cfg.UpstreamTimeout = getEnvMs("UPSTREAM_TIMEOUT_MS", cfg.UpstreamTimeout)
	cfg.InsecureTLS = getEnvBool("INSECURE_TLS", cfg.InsecureTLS)
	cfg.CACertFile = getEnv("CA_CERT_FILE", cfg.CACertFile)
	cfg.CAKeyFile = getEnv("CA_KEY_FILE", cfg.CAKeyFile)
	if v := strings.TrimSpace(os.Getenv("MITM_DOMAINS_ALLOW")); v != "" {
		cfg.MITMDomainsAllow = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("MITM_DOMAINS_DENY")); v != "" {
		cfg.MITMDomainsDeny = splitCSV(v)
	}
	cfg.ExposeSensitiveHeaders = getEnvBool("EXPOSE_SENSITIVE_HEADERS", cfg.ExposeSensitiveHeaders)
	cfg.ArchivePath = getEnv("ARCHIVE_PATH", cfg.ArchivePath)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "netcapture")
	}
	return filepath.Join(os.TempDir(), "netcapture")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	return def
}

func getEnvMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

// splitCSV splits comma-separated tokens trimming whitespace and skipping empties.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
