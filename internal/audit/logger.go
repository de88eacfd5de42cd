package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Decision lifecycle events
	LogDecisionProposed(ctx context.Context, decisionID, plantID, lineID, controlPoint, action string) error
	LogDecisionApproved(ctx context.Context, decisionID, operator string, auto bool) error
	LogDecisionRejected(ctx context.Context, decisionID, operator, reason string) error
	LogDecisionTimedOut(ctx context.Context, decisionID string, waited time.Duration) error
	LogDecisionDiscarded(ctx context.Context, controlPoint, activeDecisionID string) error

	// Action events
	LogActionExecuted(ctx context.Context, decisionID, controlPoint string, target, previous float64, clamped bool, duration time.Duration) error
	LogActionFailed(ctx context.Context, decisionID, controlPoint string, err error) error

	// Rollback events
	LogRollbackFinalized(ctx context.Context, decisionID string, baseline, observed float64) error
	LogRollbackTriggered(ctx context.Context, decisionID, controlPoint string, baseline, observed, restored float64) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error

	// SetSink attaches an additional destination, typically the database
	// audit table. Sink failures never block the file trail.
	SetSink(sink Sink)
}

// Sink receives every audit event in addition to the file trail.
type Sink interface {
	Persist(ctx context.Context, event *Event) error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       90, // days, regulatory retention for control actions
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	sink        Sink
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	auditZapLogger := zap.New(auditCore)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// SetSink attaches an additional destination for audit events.
func (l *auditLogger) SetSink(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Persist(ctx, event); err != nil {
			l.appLogger.Error("persist audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("decision_id", event.DecisionID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogDecisionProposed logs when a recommendation becomes a tracked decision
func (l *auditLogger) LogDecisionProposed(ctx context.Context, decisionID, plantID, lineID, controlPoint, action string) error {
	event := NewEvent(EventDecisionProposed).
		WithDecisionID(decisionID).
		WithLine(plantID, lineID).
		WithControlPoint(controlPoint).
		WithAction(action).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Decision %s proposed for %s", decisionID, controlPoint))

	return l.Log(ctx, event)
}

// LogDecisionApproved logs an approval verdict, human or automatic
func (l *auditLogger) LogDecisionApproved(ctx context.Context, decisionID, operator string, auto bool) error {
	eventType := EventDecisionApproved
	desc := fmt.Sprintf("Decision %s approved by %s", decisionID, operator)
	if auto {
		eventType = EventDecisionAutoApproved
		desc = fmt.Sprintf("Decision %s auto-approved", decisionID)
	}

	event := NewEvent(eventType).
		WithDecisionID(decisionID).
		WithOperator(operator).
		WithResult(ResultSuccess).
		WithDescription(desc)

	return l.Log(ctx, event)
}

// LogDecisionRejected logs a rejection verdict
func (l *auditLogger) LogDecisionRejected(ctx context.Context, decisionID, operator, reason string) error {
	event := NewEvent(EventDecisionRejected).
		WithDecisionID(decisionID).
		WithOperator(operator).
		WithResult(ResultDenied).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Decision %s rejected by %s", decisionID, operator))

	return l.Log(ctx, event)
}

// LogDecisionTimedOut logs an approval window expiring without a verdict
func (l *auditLogger) LogDecisionTimedOut(ctx context.Context, decisionID string, waited time.Duration) error {
	event := NewEvent(EventDecisionTimedOut).
		WithDecisionID(decisionID).
		WithResult(ResultDenied).
		WithDuration(waited).
		WithDescription(fmt.Sprintf("Decision %s timed out waiting for approval", decisionID))

	return l.Log(ctx, event)
}

// LogDecisionDiscarded logs a proposal discarded because its control point was held
func (l *auditLogger) LogDecisionDiscarded(ctx context.Context, controlPoint, activeDecisionID string) error {
	event := NewEvent(EventDecisionDiscarded).
		WithControlPoint(controlPoint).
		WithResult(ResultDenied).
		WithMetadata("active_decision_id", activeDecisionID).
		WithDescription(fmt.Sprintf("Proposal for %s discarded, control point held by %s", controlPoint, activeDecisionID))

	return l.Log(ctx, event)
}

// LogActionExecuted logs a successful control system write
func (l *auditLogger) LogActionExecuted(ctx context.Context, decisionID, controlPoint string, target, previous float64, clamped bool, duration time.Duration) error {
	event := NewEvent(EventActionExecuted).
		WithDecisionID(decisionID).
		WithControlPoint(controlPoint).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("target_value", target).
		WithMetadata("previous_value", previous).
		WithMetadata("clamped", clamped).
		WithDescription(fmt.Sprintf("Wrote %s: %.2f -> %.2f", controlPoint, previous, target))

	return l.Log(ctx, event)
}

// LogActionFailed logs a failed control system write
func (l *auditLogger) LogActionFailed(ctx context.Context, decisionID, controlPoint string, err error) error {
	event := NewEvent(EventActionFailed).
		WithDecisionID(decisionID).
		WithControlPoint(controlPoint).
		WithError(err, "actuation_error").
		WithDescription(fmt.Sprintf("Write to %s failed", controlPoint))

	return l.Log(ctx, event)
}

// LogRollbackFinalized logs a post-execution check that found no regression
func (l *auditLogger) LogRollbackFinalized(ctx context.Context, decisionID string, baseline, observed float64) error {
	event := NewEvent(EventRollbackFinalized).
		WithDecisionID(decisionID).
		WithResult(ResultSuccess).
		WithMetadata("baseline_kpi", baseline).
		WithMetadata("observed_kpi", observed).
		WithDescription(fmt.Sprintf("Decision %s finalized, no KPI regression", decisionID))

	return l.Log(ctx, event)
}

// LogRollbackTriggered logs a compensating write after a KPI regression
func (l *auditLogger) LogRollbackTriggered(ctx context.Context, decisionID, controlPoint string, baseline, observed, restored float64) error {
	event := NewEvent(EventRollbackTriggered).
		WithDecisionID(decisionID).
		WithControlPoint(controlPoint).
		WithResult(ResultSuccess).
		WithMetadata("baseline_kpi", baseline).
		WithMetadata("observed_kpi", observed).
		WithMetadata("restored_value", restored).
		WithDescription(fmt.Sprintf("Decision %s rolled back, %s restored to %.2f", decisionID, controlPoint, restored))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	if err := l.Sync(); err != nil {
		return err
	}

	return nil
}
