package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8082
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}

	// Plant defaults
	cfg.Plant.Lines = []Line{{PlantID: "plant_01", LineID: "line_2"}}
	cfg.Plant.PollIntervalSeconds = 300
	cfg.Plant.SnapshotBaseURL = "http://localhost:8080"
	cfg.Plant.PredictionBaseURL = "http://localhost:8081"
	cfg.Plant.ControlBaseURL = "http://localhost:8090"
	cfg.Plant.KPIBaseURL = "http://localhost:8080"
	cfg.Plant.ApprovalBaseURL = "http://localhost:8080"
	cfg.Plant.TimeoutSeconds = 15

	// Engine defaults: operational tuning factors for action templates.
	cfg.Engine.PMFanReductionFactor = 0.97
	cfg.Engine.MillPowerToKWFactor = 30
	cfg.Engine.HeatLossFanReductionFactor = 0.96
	cfg.Engine.SeparatorReductionFactor = 0.95
	cfg.Engine.EnergyUnitCostUSDPerKWh = 0.08

	// Autonomy defaults. PM risk always needs a human; energy tuning may run
	// semi-autonomously out of the box.
	cfg.Autonomy.Tiers = map[string]string{
		"PM_RISK_HIGH":     "advisor",
		"ENERGY_EXCESS":    "semi_autonomous",
		"HEAT_LOSS_HIGH":   "semi_autonomous",
		"MILL_INEFFICIENT": "semi_autonomous",
	}
	cfg.Autonomy.ApprovalTimeoutMinutes = 30
	cfg.Autonomy.ConfidenceFloor = 0.85

	// Executor defaults: hard safety envelopes per control point.
	cfg.Executor.Envelopes = map[string]Envelope{
		"id_fan_speed_pct":    {Min: 55, Max: 95},
		"separator_speed_pct": {Min: 60, Max: 95},
	}

	// Rollback defaults
	cfg.Rollback.HorizonMinutes = 30
	cfg.Rollback.RegressionFraction = 0.10
	cfg.Rollback.CheckIntervalSeconds = 30

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/cementai/optimizer.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AppLogPath = "logs/app.log"
	cfg.Logging.AuditLogPath = "logs/audit.log"

	return cfg
}
