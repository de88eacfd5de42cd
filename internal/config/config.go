package config

import "context"

// Package config provides configuration management for the optimizer core.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support hot reload of tunable settings (engine factors, rollback
//     thresholds) without a restart
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (CEMENTAI_* prefix)
//   2. YAML config file (default: /etc/cementai/optimizer.yaml)
//   3. Built-in defaults (lowest priority)

// Envelope is the hard safety bound for one control point. Targets outside
// the envelope are clamped, never rejected silently.
type Envelope struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Line identifies one polled production line.
type Line struct {
	PlantID string `mapstructure:"plant_id"`
	LineID  string `mapstructure:"line_id"`
}

// Server holds the HTTP server configuration.
type Server struct {
	Port int
	// AllowedOrigins lists origins permitted to open WebSocket connections.
	// ["*"] allows any origin (development only).
	AllowedOrigins []string
}

// Plant holds the polled lines and external collaborator endpoints.
type Plant struct {
	Lines               []Line
	PollIntervalSeconds int
	SnapshotBaseURL     string
	PredictionBaseURL   string
	ControlBaseURL      string
	KPIBaseURL          string
	ApprovalBaseURL     string
	TimeoutSeconds      int
}

// Engine holds the recommendation engine's tunable constants. These are
// operational factors, not learned parameters.
type Engine struct {
	PMFanReductionFactor       float64
	MillPowerToKWFactor        float64
	HeatLossFanReductionFactor float64
	SeparatorReductionFactor   float64
	EnergyUnitCostUSDPerKWh    float64
}

// Autonomy holds the tier per recommendation type plus the bars an
// autonomous decision must clear to skip human approval.
type Autonomy struct {
	Tiers                  map[string]string // recommendation type → tier
	ApprovalTimeoutMinutes int               // semi-autonomous verdict window
	ConfidenceFloor        float64
}

// Executor holds the safety envelopes per control point name.
type Executor struct {
	Envelopes map[string]Envelope
}

// Rollback holds the deferred KPI check configuration.
type Rollback struct {
	HorizonMinutes       int
	RegressionFraction   float64
	CheckIntervalSeconds int
}

// Database holds the persistence configuration.
type Database struct {
	SQLitePath string
}

// Logging holds the log output configuration.
type Logging struct {
	Level        string
	Format       string
	AppLogPath   string
	AuditLogPath string
}

// Config contains all configuration fields.
type Config struct {
	Server   Server
	Plant    Plant
	Engine   Engine
	Autonomy Autonomy
	Executor Executor
	Rollback Rollback
	Database Database
	Logging  Logging
}

// Manager defines the interface for configuration access.
type Manager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewManager creates a configuration manager reading from configPath.
func NewManager(configPath string) (Manager, error) {
	return &viperManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}, nil
}

// NewManagerWithDefaults creates a config manager with the default path.
func NewManagerWithDefaults() (Manager, error) {
	return NewManager("/etc/cementai/optimizer.yaml")
}
