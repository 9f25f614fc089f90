// Package config handles loading and validating sandboxd configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	_ = godotenv.Load()
}

// Config is the root configuration for sandboxd.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	VMs           []VMConfig           `json:"vms" yaml:"vms"`
	Analysis      AnalysisConfig       `json:"analysis" yaml:"analysis"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = sqlite default
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = disabled
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = no operator alerts
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	Port             int             `json:"port" yaml:"port"`                                   // Default: 8080.
	ListenAddr       string          `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Overrides Port when set.
	UploadDir        string          `json:"upload_dir" yaml:"upload_dir"`
	MaxFileSizeBytes int64           `json:"max_file_size" yaml:"max_file_size"` // Default: 100 MB.
	APIKey           string          `json:"api_key" yaml:"api_key"`             // Override: SANDBOX_API_KEY env var.
	RequestTimeoutS  int             `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	EnableDocs       bool            `json:"enable_docs" yaml:"enable_docs"`
	RateLimit        RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the HTTP listen address, preferring ListenAddr, falling back
// to ":Port" with a default port of 8080.
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf(":%d", port)
}

// RequestTimeout returns the non-streaming request timeout, default 30s.
func (s *ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutS > 0 {
		return time.Duration(s.RequestTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// MaxFileSize returns the configured upload cap, default 100 MB.
func (s *ServerConfig) MaxFileSize() int64 {
	if s.MaxFileSizeBytes > 0 {
		return s.MaxFileSizeBytes
	}
	return 100 << 20
}

// RateLimitConfig configures per-client rate limiting for the HTTP gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// VMConfig describes one configured analysis VM.
type VMConfig struct {
	Name                string `json:"name" yaml:"name"`
	AgentKind           string `json:"agent_kind" yaml:"agent_kind"`
	SnapshotName        string `json:"snapshot_name" yaml:"snapshot_name"`
	GuestOS             string `json:"guest_os" yaml:"guest_os"` // "windows" or "linux"
	GuestUser           string `json:"guest_user" yaml:"guest_user"`
	GuestPassword       string `json:"guest_password,omitempty" yaml:"guest_password,omitempty"`
	GuestUploadDir      string `json:"guest_upload_dir" yaml:"guest_upload_dir"`
	AgentLogDir         string `json:"agent_log_dir,omitempty" yaml:"agent_log_dir,omitempty"`
	BootTimeoutSeconds  int    `json:"boot_timeout_seconds" yaml:"boot_timeout_seconds"`
	GuestReadyProbe     string `json:"guest_ready_probe,omitempty" yaml:"guest_ready_probe,omitempty"`
}

// BootTimeout returns the configured VM boot/guest-ready timeout, default 120s.
func (v *VMConfig) BootTimeout() time.Duration {
	if v.BootTimeoutSeconds > 0 {
		return time.Duration(v.BootTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// AnalysisConfig configures the analysis pipeline and scheduler.
type AnalysisConfig struct {
	MaxConcurrentVMs       int    `json:"max_concurrent_vms" yaml:"max_concurrent_vms"`             // Default: 10.
	QueueSize              int    `json:"queue_size" yaml:"queue_size"`                             // Default: 100.
	DwellSeconds           int    `json:"dwell_seconds" yaml:"dwell_seconds"`                       // Detonation dwell time. Default: 60.
	VMControllerBin        string `json:"vm_controller_bin" yaml:"vm_controller_bin"`               // Path to the virtualization CLI. Default: "VBoxManage".
	VMControllerTimeoutS   int    `json:"vm_controller_timeout_seconds" yaml:"vm_controller_timeout_seconds"`
	GraceWindowSeconds     int    `json:"grace_window_seconds" yaml:"grace_window_seconds"` // δ for the collection-window/timestamp invariant. Default: 2.
	VMPoolSweepIntervalS   int    `json:"vm_pool_sweep_interval_seconds" yaml:"vm_pool_sweep_interval_seconds"`
	RetentionCron          string `json:"retention_cron" yaml:"retention_cron"` // 5-field cron; prunes finished tasks older than RetentionHours.
	RetentionHours         int    `json:"retention_hours" yaml:"retention_hours"`
	PerVMMaxTimeoutSeconds int    `json:"per_vm_max_timeout_seconds" yaml:"per_vm_max_timeout_seconds"` // Hard ceiling on one VM's pipeline run, regardless of what a task requests. Default: 1200.
}

// MaxConcurrentVMsOrDefault returns the configured concurrency ceiling, default 10.
func (a *AnalysisConfig) MaxConcurrentVMsOrDefault() int {
	if a.MaxConcurrentVMs > 0 {
		return a.MaxConcurrentVMs
	}
	return 10
}

// QueueCapacity returns the configured task queue size, default 100.
func (a *AnalysisConfig) QueueCapacity() int {
	if a.QueueSize > 0 {
		return a.QueueSize
	}
	return 100
}

// DwellTime returns the detonation dwell duration, default 60s.
func (a *AnalysisConfig) DwellTime() time.Duration {
	if a.DwellSeconds > 0 {
		return time.Duration(a.DwellSeconds) * time.Second
	}
	return 60 * time.Second
}

// ControllerBin returns the virtualization CLI path, default "VBoxManage".
func (a *AnalysisConfig) ControllerBin() string {
	if a.VMControllerBin != "" {
		return a.VMControllerBin
	}
	return "VBoxManage"
}

// ControllerTimeout returns the per-invocation CLI timeout, default 45s.
func (a *AnalysisConfig) ControllerTimeout() time.Duration {
	if a.VMControllerTimeoutS > 0 {
		return time.Duration(a.VMControllerTimeoutS) * time.Second
	}
	return 45 * time.Second
}

// GraceWindow returns the timestamp grace window δ, default 2s.
func (a *AnalysisConfig) GraceWindow() time.Duration {
	if a.GraceWindowSeconds > 0 {
		return time.Duration(a.GraceWindowSeconds) * time.Second
	}
	return 2 * time.Second
}

// SweepInterval returns the periodic health sweep interval, default 30s.
func (a *AnalysisConfig) SweepInterval() time.Duration {
	if a.VMPoolSweepIntervalS > 0 {
		return time.Duration(a.VMPoolSweepIntervalS) * time.Second
	}
	return 30 * time.Second
}

// RetentionWindow returns how long finished tasks are kept, default 72h.
func (a *AnalysisConfig) RetentionWindow() time.Duration {
	if a.RetentionHours > 0 {
		return time.Duration(a.RetentionHours) * time.Hour
	}
	return 72 * time.Hour
}

// PerVMMaxTimeout returns the hard ceiling every pipeline run is clamped to,
// regardless of what a task's own requested timeout asks for, default 20m.
func (a *AnalysisConfig) PerVMMaxTimeout() time.Duration {
	if a.PerVMMaxTimeoutSeconds > 0 {
		return time.Duration(a.PerVMMaxTimeoutSeconds) * time.Second
	}
	return 1200 * time.Second
}

// StorageConfig configures the VM Health Ledger's persistence backend.
// When nil, defaults to SQLite at sandboxd.db in the working directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// DriverName returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) DriverName() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // Default: "wal".
}

type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SANDBOX_STORAGE_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// ObservabilityConfig configures metrics and tracing. Nil disables both.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Protocol    string  `json:"protocol" yaml:"protocol"` // "grpc" (default) or "http".
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// NotificationConfig configures operator-facing notifications fired when a
// VM is flagged needs-attention or a sample detonates a detection.
type NotificationConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	WebhookURLs []string `json:"webhook_urls" yaml:"webhook_urls"`
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sandboxd.yaml"
	}
	return filepath.Join(home, ".sandboxd", "config.yaml")
}

// Load reads a YAML or JSON config file and returns a validated Config.
// Format is detected by extension: .yml/.yaml for YAML, everything else JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if envKey := os.Getenv("SANDBOX_API_KEY"); envKey != "" {
		cfg.Server.APIKey = envKey
	}
	if envDSN := os.Getenv("SANDBOX_STORAGE_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if len(c.VMs) == 0 {
		return fmt.Errorf("vms: at least one VM must be configured")
	}
	seen := make(map[string]bool, len(c.VMs))
	for i, vm := range c.VMs {
		if vm.Name == "" {
			return fmt.Errorf("vms[%d].name is required", i)
		}
		if seen[vm.Name] {
			return fmt.Errorf("vms[%d]: duplicate vm name %q", i, vm.Name)
		}
		seen[vm.Name] = true
		if vm.SnapshotName == "" {
			return fmt.Errorf("vms[%d] (%q): snapshot_name is required", i, vm.Name)
		}
		switch vm.AgentKind {
		case "defender", "kaspersky", "mcafee", "avira", "trend", "behavioral-monitor":
		default:
			return fmt.Errorf("vms[%d] (%q): agent_kind %q is not supported", i, vm.Name, vm.AgentKind)
		}
		switch vm.GuestOS {
		case "windows", "linux":
		default:
			return fmt.Errorf("vms[%d] (%q): guest_os must be windows or linux", i, vm.Name)
		}
	}
	if c.Server.UploadDir == "" {
		return fmt.Errorf("server.upload_dir is required")
	}
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required (or set SANDBOX_API_KEY)")
	}
	if c.Storage != nil {
		switch c.Storage.DriverName() {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.DriverName() == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	}
	return nil
}
