package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperManager implements Manager using Viper.
type viperManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("CEMENTAI")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults plus env vars are a complete
	// configuration for a single-line development setup.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Plant defaults
	m.viper.SetDefault("plant.poll_interval_seconds", defaults.Plant.PollIntervalSeconds)
	m.viper.SetDefault("plant.snapshot_base_url", defaults.Plant.SnapshotBaseURL)
	m.viper.SetDefault("plant.prediction_base_url", defaults.Plant.PredictionBaseURL)
	m.viper.SetDefault("plant.control_base_url", defaults.Plant.ControlBaseURL)
	m.viper.SetDefault("plant.kpi_base_url", defaults.Plant.KPIBaseURL)
	m.viper.SetDefault("plant.approval_base_url", defaults.Plant.ApprovalBaseURL)
	m.viper.SetDefault("plant.timeout_seconds", defaults.Plant.TimeoutSeconds)

	// Engine defaults
	m.viper.SetDefault("engine.pm_fan_reduction_factor", defaults.Engine.PMFanReductionFactor)
	m.viper.SetDefault("engine.mill_power_to_kw_factor", defaults.Engine.MillPowerToKWFactor)
	m.viper.SetDefault("engine.heat_loss_fan_reduction_factor", defaults.Engine.HeatLossFanReductionFactor)
	m.viper.SetDefault("engine.separator_reduction_factor", defaults.Engine.SeparatorReductionFactor)
	m.viper.SetDefault("engine.energy_unit_cost_usd_per_kwh", defaults.Engine.EnergyUnitCostUSDPerKWh)

	// Autonomy defaults
	m.viper.SetDefault("autonomy.tiers", defaults.Autonomy.Tiers)
	m.viper.SetDefault("autonomy.approval_timeout_minutes", defaults.Autonomy.ApprovalTimeoutMinutes)
	m.viper.SetDefault("autonomy.confidence_floor", defaults.Autonomy.ConfidenceFloor)

	// Rollback defaults
	m.viper.SetDefault("rollback.horizon_minutes", defaults.Rollback.HorizonMinutes)
	m.viper.SetDefault("rollback.regression_fraction", defaults.Rollback.RegressionFraction)
	m.viper.SetDefault("rollback.check_interval_seconds", defaults.Rollback.CheckIntervalSeconds)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
}

// unmarshalConfig unmarshals viper config into the Config struct.
func (m *viperManager) unmarshalConfig() error {
	cfg := DefaultConfig()

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Plant
	cfg.Plant.PollIntervalSeconds = m.viper.GetInt("plant.poll_interval_seconds")
	cfg.Plant.SnapshotBaseURL = m.viper.GetString("plant.snapshot_base_url")
	cfg.Plant.PredictionBaseURL = m.viper.GetString("plant.prediction_base_url")
	cfg.Plant.ControlBaseURL = m.viper.GetString("plant.control_base_url")
	cfg.Plant.KPIBaseURL = m.viper.GetString("plant.kpi_base_url")
	cfg.Plant.ApprovalBaseURL = m.viper.GetString("plant.approval_base_url")
	cfg.Plant.TimeoutSeconds = m.viper.GetInt("plant.timeout_seconds")
	if m.viper.IsSet("plant.lines") {
		var lines []Line
		if err := m.viper.UnmarshalKey("plant.lines", &lines); err != nil {
			return fmt.Errorf("plant.lines: %w", err)
		}
		cfg.Plant.Lines = lines
	}

	// Engine
	cfg.Engine.PMFanReductionFactor = m.viper.GetFloat64("engine.pm_fan_reduction_factor")
	cfg.Engine.MillPowerToKWFactor = m.viper.GetFloat64("engine.mill_power_to_kw_factor")
	cfg.Engine.HeatLossFanReductionFactor = m.viper.GetFloat64("engine.heat_loss_fan_reduction_factor")
	cfg.Engine.SeparatorReductionFactor = m.viper.GetFloat64("engine.separator_reduction_factor")
	cfg.Engine.EnergyUnitCostUSDPerKWh = m.viper.GetFloat64("engine.energy_unit_cost_usd_per_kwh")

	// Autonomy
	cfg.Autonomy.Tiers = m.viper.GetStringMapString("autonomy.tiers")
	cfg.Autonomy.ApprovalTimeoutMinutes = m.viper.GetInt("autonomy.approval_timeout_minutes")
	cfg.Autonomy.ConfidenceFloor = m.viper.GetFloat64("autonomy.confidence_floor")

	// Executor
	if m.viper.IsSet("executor.envelopes") {
		envelopes := map[string]Envelope{}
		if err := m.viper.UnmarshalKey("executor.envelopes", &envelopes); err != nil {
			return fmt.Errorf("executor.envelopes: %w", err)
		}
		cfg.Executor.Envelopes = envelopes
	}

	// Rollback
	cfg.Rollback.HorizonMinutes = m.viper.GetInt("rollback.horizon_minutes")
	cfg.Rollback.RegressionFraction = m.viper.GetFloat64("rollback.regression_fraction")
	cfg.Rollback.CheckIntervalSeconds = m.viper.GetInt("rollback.check_interval_seconds")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for settings that
// commonly differ between deployments.
func (m *viperManager) applyEnvOverrides() {
	if path := os.Getenv("CEMENTAI_DB_PATH"); path != "" {
		m.config.Database.SQLitePath = path
	}
	if addr := os.Getenv("CEMENTAI_CONTROL_BASE_URL"); addr != "" {
		m.config.Plant.ControlBaseURL = addr
	}
	if addr := os.Getenv("CEMENTAI_PREDICTION_BASE_URL"); addr != "" {
		m.config.Plant.PredictionBaseURL = addr
	}
}
