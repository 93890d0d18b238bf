// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Auth          AuthConfig              `mapstructure:"auth"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Workflow      WorkflowConfig          `mapstructure:"workflow"`
	Logging       LoggingConfig           `mapstructure:"logging"`
	Metrics       MetricsConfig           `mapstructure:"metrics"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// CamundaConfig is optional: without a broker address no job worker is opened.
type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
	EnsureSchema   bool   `mapstructure:"ensure_schema"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// ElasticsearchConfig is optional: without addresses transitions are not indexed.
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// RedisConfig is optional: without an address actor roles are not cached.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// AuthConfig selects where actor roles come from. Keycloak wins when its URL
// is set; StaticRoles maps actor ids to role names otherwise.
type AuthConfig struct {
	Keycloak struct {
		URL          string `mapstructure:"url"`
		Realm        string `mapstructure:"realm"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"keycloak"`

	RoleCacheTTL int                 `mapstructure:"role_cache_ttl"` // seconds
	StaticRoles  map[string][]string `mapstructure:"static_roles"`
}

// NotificationConfig holds the AWS delivery channels.
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Email   struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled     bool `mapstructure:"enabled"`
		MinPriority int  `mapstructure:"min_priority"`
	} `mapstructure:"sms"`
	// RoleTopics maps a role name to its SNS topic ARN.
	RoleTopics map[string]string `mapstructure:"role_topics"`
	Retry      struct {
		MaxRetries  int `mapstructure:"max_retries"`
		BaseDelayMS int `mapstructure:"base_delay_ms"`
	} `mapstructure:"retry"`
}

// WorkflowConfig tunes the transition engine.
type WorkflowConfig struct {
	TransitionTimeout  int              `mapstructure:"transition_timeout"` // milliseconds
	HookTimeout        int              `mapstructure:"hook_timeout"`       // milliseconds
	DefaultSLAHours    int              `mapstructure:"default_sla_hours"`
	SLAHours           map[string]int   `mapstructure:"sla_hours"`
	AllowRejectFromAny *bool            `mapstructure:"allow_reject_from_any"`
	PolicyFile         string           `mapstructure:"policy_file"`
	SLASweepSchedule   string           `mapstructure:"sla_sweep_schedule"`
	Dispatcher         DispatcherConfig `mapstructure:"dispatcher"`
}

type DispatcherConfig struct {
	QueueSize     int     `mapstructure:"queue_size"`
	Workers       int     `mapstructure:"workers"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// RejectFromAny reports the effective reject-from-any-state setting, default true.
func (w WorkflowConfig) RejectFromAny() bool {
	return w.AllowRejectFromAny == nil || *w.AllowRejectFromAny
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
