package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the tables for the optimizer persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS decisions (
    id                TEXT PRIMARY KEY,
    plant_id          TEXT NOT NULL,
    line_id           TEXT NOT NULL,
    control_point     TEXT NOT NULL DEFAULT '',
    rec_type          TEXT NOT NULL,
    action_text       TEXT NOT NULL DEFAULT '',
    expected_impact   TEXT NOT NULL DEFAULT '',
    impact_usd        REAL NOT NULL DEFAULT 0.0,
    confidence_score  REAL NOT NULL DEFAULT 0.0,
    priority          TEXT NOT NULL DEFAULT 'LOW',
    target_value      REAL NOT NULL DEFAULT 0.0,
    current_value     REAL NOT NULL DEFAULT 0.0,
    tier              TEXT NOT NULL,
    state             TEXT NOT NULL,
    state_reason      TEXT NOT NULL DEFAULT '',
    operator_id       TEXT NOT NULL DEFAULT '',
    approval_deadline DATETIME,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_state         ON decisions(state);
CREATE INDEX IF NOT EXISTS idx_decisions_control_point ON decisions(control_point, state);
CREATE INDEX IF NOT EXISTS idx_decisions_line          ON decisions(plant_id, line_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at    ON decisions(created_at DESC);

CREATE TABLE IF NOT EXISTS action_records (
    id               TEXT PRIMARY KEY,
    decision_id      TEXT NOT NULL REFERENCES decisions(id),
    plant_id         TEXT NOT NULL,
    line_id          TEXT NOT NULL,
    control_point    TEXT NOT NULL,
    target_value     REAL NOT NULL,
    previous_value   REAL NOT NULL,
    clamped          BOOLEAN NOT NULL DEFAULT 0,
    operator_id      TEXT NOT NULL DEFAULT '',
    outcome          TEXT NOT NULL,
    error            TEXT NOT NULL DEFAULT '',
    kpi_metric       TEXT NOT NULL DEFAULT '',
    baseline_kpi     REAL NOT NULL DEFAULT 0.0,
    rollback_due_at  DATETIME,
    rollback_checked BOOLEAN NOT NULL DEFAULT 0,
    executed_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_decision ON action_records(decision_id);
CREATE INDEX IF NOT EXISTS idx_actions_rollback ON action_records(rollback_checked, rollback_due_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    decision_id    TEXT NOT NULL DEFAULT '',
    event_type     TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    plant_id       TEXT NOT NULL DEFAULT '',
    line_id        TEXT NOT NULL DEFAULT '',
    control_point  TEXT NOT NULL DEFAULT '',
    result         TEXT NOT NULL DEFAULT '',
    operator_id    TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}',
    timestamp      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp     ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_decision      ON audit_events(decision_id);
CREATE INDEX IF NOT EXISTS idx_audit_control_point ON audit_events(control_point);
`,
	},
	// Migration 2: snapshot history for trend queries
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS snapshots (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    plant_id           TEXT NOT NULL,
    line_id            TEXT NOT NULL,
    readings           TEXT NOT NULL DEFAULT '{}',
    prediction         TEXT NOT NULL DEFAULT '{}',
    rec_type           TEXT NOT NULL DEFAULT '',
    energy_kwh_per_ton REAL NOT NULL DEFAULT 0.0,
    observed_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_line ON snapshots(plant_id, line_id, observed_at DESC);
`,
	},
}

// terminalStates mirrors the decision lifecycle. EXECUTED is deliberately
// absent: an executed decision holds its control point until the rollback
// window closes.
const terminalStates = `('REJECTED','EXECUTION_FAILED','ROLLED_BACK','FINALIZED')`

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type rowScanner interface {
	Scan(dest ...any) error
}

// ─── Decisions ────────────────────────────────────────────────────────────────

const decisionColumns = `id,plant_id,line_id,control_point,rec_type,action_text,expected_impact,impact_usd,confidence_score,priority,target_value,current_value,tier,state,state_reason,operator_id,approval_deadline,created_at,updated_at`

func (s *sqliteStore) SaveDecision(ctx context.Context, rec *DecisionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO decisions(`+decisionColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            state             = excluded.state,
            state_reason      = excluded.state_reason,
            operator_id       = excluded.operator_id,
            approval_deadline = excluded.approval_deadline,
            updated_at        = excluded.updated_at
    `,
		rec.ID, rec.PlantID, rec.LineID, rec.ControlPoint, rec.RecType,
		rec.ActionText, rec.ExpectedImpact, rec.ImpactUSD, rec.ConfidenceScore,
		rec.Priority, rec.TargetValue, rec.CurrentValue, rec.Tier, rec.State,
		rec.StateReason, rec.OperatorID, rec.ApprovalDeadline.UTC(),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetDecision(ctx context.Context, id string) (*DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id)
	rec, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListDecisions(ctx context.Context, q DecisionQuery) ([]*DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE 1=1`
	args := []any{}

	if q.PlantID != "" {
		query += ` AND plant_id = ?`
		args = append(args, q.PlantID)
	}
	if q.LineID != "" {
		query += ` AND line_id = ?`
		args = append(args, q.LineID)
	}
	if q.State != "" {
		query += ` AND state = ?`
		args = append(args, q.State)
	}
	if q.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, q.Tier)
	}
	if !q.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) ActiveDecisionForControlPoint(ctx context.Context, controlPoint string) (*DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+decisionColumns+` FROM decisions
        WHERE control_point = ? AND state NOT IN `+terminalStates+`
        ORDER BY created_at DESC LIMIT 1
    `, controlPoint)
	rec, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListActiveDecisions(ctx context.Context) ([]*DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+decisionColumns+` FROM decisions
        WHERE state NOT IN `+terminalStates+`
        ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanDecision(row rowScanner) (*DecisionRecord, error) {
	rec := &DecisionRecord{}
	var deadline, createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.PlantID, &rec.LineID, &rec.ControlPoint, &rec.RecType,
		&rec.ActionText, &rec.ExpectedImpact, &rec.ImpactUSD, &rec.ConfidenceScore,
		&rec.Priority, &rec.TargetValue, &rec.CurrentValue, &rec.Tier, &rec.State,
		&rec.StateReason, &rec.OperatorID, &deadline, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.ApprovalDeadline, _ = parseTime(deadline)
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return rec, nil
}

// ─── Action records ───────────────────────────────────────────────────────────

const actionColumns = `id,decision_id,plant_id,line_id,control_point,target_value,previous_value,clamped,operator_id,outcome,error,kpi_metric,baseline_kpi,rollback_due_at,rollback_checked,executed_at`

func (s *sqliteStore) AppendAction(ctx context.Context, rec *ActionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO action_records(`+actionColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.DecisionID, rec.PlantID, rec.LineID, rec.ControlPoint,
		rec.TargetValue, rec.PreviousValue, rec.Clamped, rec.OperatorID,
		rec.Outcome, rec.Error, rec.KPIMetric, rec.BaselineKPI,
		rec.RollbackDueAt.UTC(), rec.RollbackChecked, rec.ExecutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert action record: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetAction(ctx context.Context, id string) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_records WHERE id=?`, id)
	rec, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) GetActionForDecision(ctx context.Context, decisionID string) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+actionColumns+` FROM action_records
        WHERE decision_id=? ORDER BY executed_at DESC LIMIT 1
    `, decisionID)
	rec, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListActionsForDecision(ctx context.Context, decisionID string) ([]*ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+actionColumns+` FROM action_records
        WHERE decision_id=? ORDER BY executed_at ASC
    `, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionRecord
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListDueRollbackChecks(ctx context.Context, asOf time.Time) ([]*ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+actionColumns+` FROM action_records
        WHERE outcome = 'EXECUTED' AND rollback_checked = 0 AND rollback_due_at <= ?
        ORDER BY rollback_due_at ASC
    `, asOf.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ActionRecord
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) MarkRollbackChecked(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE action_records SET rollback_checked = 1
        WHERE id = ? AND rollback_checked = 0
    `, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) CountPendingRollbackChecks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM action_records
        WHERE outcome = 'EXECUTED' AND rollback_checked = 0
    `).Scan(&count)
	return count, err
}

func scanAction(row rowScanner) (*ActionRecord, error) {
	rec := &ActionRecord{}
	var dueAt, executedAt string
	err := row.Scan(&rec.ID, &rec.DecisionID, &rec.PlantID, &rec.LineID, &rec.ControlPoint,
		&rec.TargetValue, &rec.PreviousValue, &rec.Clamped, &rec.OperatorID,
		&rec.Outcome, &rec.Error, &rec.KPIMetric, &rec.BaselineKPI,
		&dueAt, &rec.RollbackChecked, &executedAt)
	if err != nil {
		return nil, err
	}
	rec.RollbackDueAt, _ = parseTime(dueAt)
	rec.ExecutedAt, _ = parseTime(executedAt)
	return rec, nil
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendAuditEvent(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events(decision_id, event_type, description, plant_id, line_id, control_point, result, operator_id, metadata, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?,?)
    `,
		rec.DecisionID, rec.EventType, rec.Description, rec.PlantID, rec.LineID,
		rec.ControlPoint, rec.Result, rec.OperatorID, rec.Metadata, rec.Timestamp.UTC(),
	)
	return err
}

func (s *sqliteStore) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error) {
	query := `SELECT id,decision_id,event_type,description,plant_id,line_id,control_point,result,operator_id,metadata,timestamp FROM audit_events WHERE 1=1`
	args := []any{}

	if q.DecisionID != "" {
		query += ` AND decision_id = ?`
		args = append(args, q.DecisionID)
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.ControlPoint != "" {
		query += ` AND control_point = ?`
		args = append(args, q.ControlPoint)
	}
	if q.OperatorID != "" {
		query += ` AND operator_id = ?`
		args = append(args, q.OperatorID)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.DecisionID, &rec.EventType, &rec.Description,
			&rec.PlantID, &rec.LineID, &rec.ControlPoint, &rec.Result, &rec.OperatorID,
			&rec.Metadata, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO snapshots(plant_id, line_id, readings, prediction, rec_type, energy_kwh_per_ton, observed_at)
        VALUES(?,?,?,?,?,?,?)
    `,
		rec.PlantID, rec.LineID, rec.Readings, rec.Prediction, rec.RecType,
		rec.EnergyKWhPerTon, rec.ObservedAt.UTC(),
	)
	return err
}

func (s *sqliteStore) QuerySnapshots(ctx context.Context, plantID, lineID string, limit int) ([]*SnapshotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id,plant_id,line_id,readings,prediction,rec_type,energy_kwh_per_ton,observed_at
        FROM snapshots WHERE plant_id=? AND line_id=?
        ORDER BY observed_at DESC LIMIT ?
    `, plantID, lineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) LatestSnapshot(ctx context.Context, plantID, lineID string) (*SnapshotRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id,plant_id,line_id,readings,prediction,rec_type,energy_kwh_per_ton,observed_at
        FROM snapshots WHERE plant_id=? AND line_id=?
        ORDER BY observed_at DESC LIMIT 1
    `, plantID, lineID)
	rec, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanSnapshot(row rowScanner) (*SnapshotRecord, error) {
	rec := &SnapshotRecord{}
	var observedAt string
	err := row.Scan(&rec.ID, &rec.PlantID, &rec.LineID, &rec.Readings, &rec.Prediction,
		&rec.RecType, &rec.EnergyKWhPerTon, &observedAt)
	if err != nil {
		return nil, err
	}
	rec.ObservedAt, _ = parseTime(observedAt)
	return rec, nil
}

// parseTime handles the timestamp formats SQLite may hand back depending on
// how the value was bound.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
