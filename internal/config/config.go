package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/spf13/viper"
)

const (
	envPrefix = "QASYNC"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "qasync-server.db"
	defaultLogLevel           = "info"
	defaultIssuer             = "qasync"
	defaultAudience           = "qasync-api"
	defaultTokenTTLMinutes    = 24 * 60
	defaultRemoteBaseURL      = "http://127.0.0.1:8080"
	defaultRemoteTimeout      = 15
	defaultStorePath          = "qasync-data/cache.db"
	defaultSweepMinutes       = 60
	defaultRetentionDays      = 90
	defaultSyncSeconds        = 300
	defaultBatchSize          = 50
	defaultMaxRetries         = 3
	defaultQuotaMode          = QuotaModeBudget
	defaultBudgetBytes        = 512 << 20
	defaultFallbackTotalBytes = 1 << 30
	defaultLargeMediaBytes    = 1 << 20
	defaultAgentAddress       = "127.0.0.1:8787"
	defaultProbeSeconds       = 30
)

// Quota probe modes.
const (
	QuotaModeBudget = "budget"
	QuotaModeDisk   = "disk"
)

// LogConfig selects log verbosity and an optional rotating log file.
type LogConfig struct {
	Level string
	File  string
}

// AuthConfig configures bearer token issuance and validation.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// ServerConfig captures runtime configuration for the record API.
type ServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	AllowedOrigins []string
	Auth           AuthConfig
}

// AgentConfig captures runtime configuration for the client agent and the local CLI commands.
type AgentConfig struct {
	StorePath          string
	RemoteBaseURL      string
	RemoteToken        string
	RemoteTimeout      time.Duration
	Categories         []records.Category
	SyncInterval       time.Duration
	BatchSize          int
	MaxRetries         int
	QuotaMode          string
	QuotaBudgetBytes   int64
	FallbackTotalBytes int64
	LargeMediaBytes    int64
	ListenAddress      string
	InboxDir           string
	ProbeInterval      time.Duration
	SweepInterval      time.Duration
	Retention          time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.token", "")
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("store.sweep_interval_minutes", defaultSweepMinutes)
	configViper.SetDefault("store.retention_days", defaultRetentionDays)
	configViper.SetDefault("sync.interval_seconds", defaultSyncSeconds)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("sync.categories", []string{records.DefaultCategory.String()})
	configViper.SetDefault("quota.mode", defaultQuotaMode)
	configViper.SetDefault("quota.budget_bytes", defaultBudgetBytes)
	configViper.SetDefault("quota.fallback_total_bytes", defaultFallbackTotalBytes)
	configViper.SetDefault("quota.large_media_bytes", defaultLargeMediaBytes)
	configViper.SetDefault("agent.listen_address", defaultAgentAddress)
	configViper.SetDefault("agent.inbox_dir", "")
	configViper.SetDefault("connectivity.probe_interval_seconds", defaultProbeSeconds)
}

// LoadLog parses logging configuration.
func LoadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level: configViper.GetString("log.level"),
		File:  strings.TrimSpace(configViper.GetString("log.file")),
	}
}

// LoadAuth parses token configuration.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		Audience:      strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}
	if err := cfg.validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

// LoadServer parses the record API configuration.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	authConfig, err := LoadAuth(configViper)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:   strings.TrimSpace(configViper.GetString("database.path")),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		Auth:           authConfig,
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadAgent parses the client configuration.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	categories, err := parseCategories(configViper.GetStringSlice("sync.categories"))
	if err != nil {
		return AgentConfig{}, err
	}
	storePath := strings.TrimSpace(configViper.GetString("store.path"))
	inboxDir := strings.TrimSpace(configViper.GetString("agent.inbox_dir"))
	if inboxDir == "" && storePath != "" {
		inboxDir = filepath.Join(filepath.Dir(storePath), "inbox")
	}
	cfg := AgentConfig{
		StorePath:          storePath,
		RemoteBaseURL:      strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteToken:        strings.TrimSpace(configViper.GetString("remote.token")),
		RemoteTimeout:      time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		Categories:         categories,
		SyncInterval:       time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		BatchSize:          configViper.GetInt("sync.batch_size"),
		MaxRetries:         configViper.GetInt("sync.max_retries"),
		QuotaMode:          strings.ToLower(strings.TrimSpace(configViper.GetString("quota.mode"))),
		QuotaBudgetBytes:   configViper.GetInt64("quota.budget_bytes"),
		FallbackTotalBytes: configViper.GetInt64("quota.fallback_total_bytes"),
		LargeMediaBytes:    configViper.GetInt64("quota.large_media_bytes"),
		ListenAddress:      strings.TrimSpace(configViper.GetString("agent.listen_address")),
		InboxDir:           inboxDir,
		ProbeInterval:      time.Duration(configViper.GetInt("connectivity.probe_interval_seconds")) * time.Second,
		SweepInterval:      time.Duration(configViper.GetInt("store.sweep_interval_minutes")) * time.Minute,
		Retention:          time.Duration(configViper.GetInt("store.retention_days")) * 24 * time.Hour,
	}
	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AuthConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func (c ServerConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

func (c AgentConfig) validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	switch c.QuotaMode {
	case QuotaModeBudget:
		if c.QuotaBudgetBytes <= 0 {
			return fmt.Errorf("quota.budget_bytes must be positive in budget mode")
		}
	case QuotaModeDisk:
	default:
		return fmt.Errorf("quota.mode must be %q or %q, got %q", QuotaModeBudget, QuotaModeDisk, c.QuotaMode)
	}
	if c.FallbackTotalBytes <= 0 {
		return fmt.Errorf("quota.fallback_total_bytes must be positive")
	}
	if c.LargeMediaBytes <= 0 {
		return fmt.Errorf("quota.large_media_bytes must be positive")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("agent.listen_address is required")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probe_interval_seconds must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval_minutes must be positive")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("store.retention_days must be positive")
	}
	return nil
}

func parseCategories(raw []string) ([]records.Category, error) {
	values := splitList(raw)
	if len(values) == 0 {
		return []records.Category{records.DefaultCategory}, nil
	}
	seen := make(map[records.Category]struct{}, len(values))
	categories := make([]records.Category, 0, len(values))
	for _, value := range values {
		category, err := records.NewCategory(value)
		if err != nil {
			return nil, fmt.Errorf("sync.categories: %w", err)
		}
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		categories = append(categories, category)
	}
	return categories, nil
}

// splitList accepts both list values and comma separated strings from the environment.
func splitList(raw []string) []string {
	values := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
	}
	return values
}
