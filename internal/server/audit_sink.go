package server

import (
	"context"
	"encoding/json"

	"github.com/cementai/optimizer/internal/audit"
	"github.com/cementai/optimizer/internal/db"
)

// dbAuditSink mirrors audit events into the database so the audit API can
// query them. The file trail remains the authoritative record.
type dbAuditSink struct {
	store db.AuditStore
}

func (s *dbAuditSink) Persist(ctx context.Context, e *audit.Event) error {
	metadata := ""
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			metadata = string(b)
		}
	}

	return s.store.AppendAuditEvent(ctx, &db.AuditRecord{
		DecisionID:   e.DecisionID,
		EventType:    string(e.EventType),
		Description:  e.Description,
		PlantID:      e.PlantID,
		LineID:       e.LineID,
		ControlPoint: e.ControlPoint,
		Result:       string(e.Result),
		OperatorID:   e.Operator,
		Metadata:     metadata,
		Timestamp:    e.Timestamp,
	})
}
