package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks that the configuration is correct and complete.
func (c *Config) Validate() []error {
	var errs []error

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Plant validation
	if len(c.Plant.Lines) == 0 {
		errs = append(errs, ValidationError{
			Field:   "plant.lines",
			Message: "at least one line must be configured",
		})
	}
	for i, line := range c.Plant.Lines {
		if line.PlantID == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("plant.lines[%d].plant_id", i),
				Message: "must not be empty",
			})
		}
		if line.LineID == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("plant.lines[%d].line_id", i),
				Message: "must not be empty",
			})
		}
	}
	if c.Plant.PollIntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "plant.poll_interval_seconds",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Plant.PollIntervalSeconds),
		})
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"plant.snapshot_base_url", c.Plant.SnapshotBaseURL},
		{"plant.prediction_base_url", c.Plant.PredictionBaseURL},
		{"plant.control_base_url", c.Plant.ControlBaseURL},
		{"plant.kpi_base_url", c.Plant.KPIBaseURL},
	} {
		if field.value == "" {
			errs = append(errs, ValidationError{
				Field:   field.name,
				Message: "must not be empty",
			})
		} else if !strings.HasPrefix(field.value, "http://") && !strings.HasPrefix(field.value, "https://") {
			errs = append(errs, ValidationError{
				Field:   field.name,
				Message: fmt.Sprintf("must be an http(s) URL, got %q", field.value),
			})
		}
	}

	// Engine validation
	for _, factor := range []struct {
		name  string
		value float64
	}{
		{"engine.pm_fan_reduction_factor", c.Engine.PMFanReductionFactor},
		{"engine.heat_loss_fan_reduction_factor", c.Engine.HeatLossFanReductionFactor},
		{"engine.separator_reduction_factor", c.Engine.SeparatorReductionFactor},
	} {
		if factor.value <= 0 || factor.value >= 1 {
			errs = append(errs, ValidationError{
				Field:   factor.name,
				Message: fmt.Sprintf("must be between 0 and 1 exclusive, got %v", factor.value),
			})
		}
	}
	if c.Engine.MillPowerToKWFactor <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.mill_power_to_kw_factor",
			Message: fmt.Sprintf("must be positive, got %v", c.Engine.MillPowerToKWFactor),
		})
	}
	if c.Engine.EnergyUnitCostUSDPerKWh <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.energy_unit_cost_usd_per_kwh",
			Message: fmt.Sprintf("must be positive, got %v", c.Engine.EnergyUnitCostUSDPerKWh),
		})
	}

	// Autonomy validation
	validTiers := map[string]bool{"advisor": true, "semi_autonomous": true, "autonomous": true}
	for recType, tier := range c.Autonomy.Tiers {
		if !validTiers[tier] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("autonomy.tiers[%s]", recType),
				Message: fmt.Sprintf("unknown tier %q, must be advisor, semi_autonomous or autonomous", tier),
			})
		}
	}
	if c.Autonomy.ApprovalTimeoutMinutes < 1 {
		errs = append(errs, ValidationError{
			Field:   "autonomy.approval_timeout_minutes",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Autonomy.ApprovalTimeoutMinutes),
		})
	}
	if c.Autonomy.ConfidenceFloor < 0 || c.Autonomy.ConfidenceFloor > 1 {
		errs = append(errs, ValidationError{
			Field:   "autonomy.confidence_floor",
			Message: fmt.Sprintf("must be between 0 and 1, got %v", c.Autonomy.ConfidenceFloor),
		})
	}

	// Executor validation
	for name, env := range c.Executor.Envelopes {
		if env.Min >= env.Max {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("executor.envelopes[%s]", name),
				Message: fmt.Sprintf("min must be less than max, got [%v, %v]", env.Min, env.Max),
			})
		}
	}

	// Rollback validation
	if c.Rollback.HorizonMinutes < 1 {
		errs = append(errs, ValidationError{
			Field:   "rollback.horizon_minutes",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Rollback.HorizonMinutes),
		})
	}
	if c.Rollback.RegressionFraction <= 0 || c.Rollback.RegressionFraction >= 1 {
		errs = append(errs, ValidationError{
			Field:   "rollback.regression_fraction",
			Message: fmt.Sprintf("must be between 0 and 1 exclusive, got %v", c.Rollback.RegressionFraction),
		})
	}
	if c.Rollback.CheckIntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "rollback.check_interval_seconds",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Rollback.CheckIntervalSeconds),
		})
	}

	// Database validation
	if c.Database.SQLitePath == "" {
		errs = append(errs, ValidationError{
			Field:   "database.sqlite_path",
			Message: "must not be empty",
		})
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("must be debug, info, warn or error, got %q", c.Logging.Level),
		})
	}

	return errs
}
