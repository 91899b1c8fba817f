package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const insertOutcomeSQL = `INSERT INTO call_outcomes
(session_id, agent_id, call_sid, node_id, reason, variables, turns, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

type PostgresOutcomeRecorder struct {
	db DB
}

func NewPostgresOutcomeRecorder(db DB) *PostgresOutcomeRecorder {
	return &PostgresOutcomeRecorder{db: db}
}

func (r *PostgresOutcomeRecorder) Record(ctx context.Context, o model.CallOutcome) error {
	vars := o.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	if _, err := r.db.Exec(ctx, insertOutcomeSQL,
		o.SessionID, o.AgentID, o.CallSID, o.NodeID, o.Reason, b, o.Turns, o.EndedAt); err != nil {
		logx.Error().Err(err).Str("call_sid", o.CallSID).Msg("failed to record call outcome")
		return errx.WrapPostgres(err)
	}
	return nil
}

var _ model.OutcomeRecorder = (*PostgresOutcomeRecorder)(nil)
