package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const (
	activeWorkflowSQL = `SELECT id, agent_id, name FROM workflows
WHERE agent_id = $1 AND is_active
ORDER BY updated_at DESC LIMIT 1`

	workflowNodesSQL = `SELECT id, name, type, config FROM workflow_nodes
WHERE workflow_id = $1
ORDER BY created_at, id`

	workflowEdgesSQL = `SELECT id, source_node_id, target_node_id, condition FROM workflow_edges
WHERE workflow_id = $1
ORDER BY created_at, id`
)

// PostgresWorkflowRepository reads the active workflow of an agent from the
// workflows, workflow_nodes and workflow_edges tables.
type PostgresWorkflowRepository struct {
	db DB
}

func NewPostgresWorkflowRepository(db DB) *PostgresWorkflowRepository {
	return &PostgresWorkflowRepository{db: db}
}

func (r *PostgresWorkflowRepository) ActiveWorkflow(ctx context.Context, agentID string) (*model.Workflow, error) {
	if agentID == "" {
		return nil, errx.Configuration(errors.New("empty agent id"), "agent id is required")
	}

	var wf model.Workflow
	err := r.db.QueryRow(ctx, activeWorkflowSQL, agentID).Scan(&wf.ID, &wf.AgentID, &wf.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errx.Configuration(fmt.Errorf("agent %q: %w", agentID, err), "no active workflow for agent")
	}
	if err != nil {
		logx.Error().Err(err).Str("agent_id", agentID).Msg("failed to load workflow")
		return nil, errx.WrapPostgres(err)
	}

	wf.Nodes, err = r.nodes(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	wf.Edges, err = r.edges(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	logx.Debug().
		Str("agent_id", agentID).
		Str("workflow_id", wf.ID).
		Int("nodes", len(wf.Nodes)).
		Int("edges", len(wf.Edges)).
		Msg("workflow loaded")
	return &wf, nil
}

func (r *PostgresWorkflowRepository) nodes(ctx context.Context, workflowID string) ([]model.NodeSpec, error) {
	rows, err := r.db.Query(ctx, workflowNodesSQL, workflowID)
	if err != nil {
		logx.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to query workflow nodes")
		return nil, errx.WrapPostgres(err)
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.NodeSpec, error) {
		var (
			n   model.NodeSpec
			typ string
			raw []byte
		)
		if err := row.Scan(&n.ID, &n.Name, &typ, &raw); err != nil {
			return n, err
		}
		n.Type = model.NodeType(typ)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &n.Config); err != nil {
				return n, errx.Configuration(fmt.Errorf("node %q config: %w", n.ID, err), "invalid workflow node")
			}
		}
		return n, nil
	})
	if err != nil {
		return nil, wrapScan(err)
	}
	return nodes, nil
}

func (r *PostgresWorkflowRepository) edges(ctx context.Context, workflowID string) ([]model.EdgeSpec, error) {
	rows, err := r.db.Query(ctx, workflowEdgesSQL, workflowID)
	if err != nil {
		logx.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to query workflow edges")
		return nil, errx.WrapPostgres(err)
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.EdgeSpec, error) {
		var (
			e   model.EdgeSpec
			raw []byte
		)
		if err := row.Scan(&e.ID, &e.Source, &e.Target, &raw); err != nil {
			return e, err
		}
		if len(raw) > 0 && string(raw) != "null" {
			var c model.Condition
			if err := json.Unmarshal(raw, &c); err != nil {
				return e, errx.Configuration(fmt.Errorf("edge %q condition: %w", e.ID, err), "invalid workflow edge")
			}
			e.Condition = &c
		}
		return e, nil
	})
	if err != nil {
		return nil, wrapScan(err)
	}
	return edges, nil
}

// wrapScan keeps configuration errors raised while decoding a row and maps
// everything else through WrapPostgres.
func wrapScan(err error) error {
	if errx.IsKind(err, errx.KindConfiguration) {
		return err
	}
	return errx.WrapPostgres(err)
}

var _ model.WorkflowRepository = (*PostgresWorkflowRepository)(nil)
