package repo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
)

// fakeRows replays fixed rows through the pgx.Rows interface.
type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.data[r.pos-1], dest)
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

func scanInto(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, v := range values {
		if v == nil {
			continue
		}
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

// fakeDB answers by matching a fragment of the SQL text.
type fakeDB struct {
	rows    map[string][][]any
	row     map[string]fakeRow
	execs   []string
	args    [][]any
	failing error
}

func (d *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.args = append(d.args, args)
	if d.failing != nil {
		return nil, d.failing
	}
	for frag, data := range d.rows {
		if strings.Contains(sql, frag) {
			return &fakeRows{data: data}, nil
		}
	}
	return &fakeRows{}, nil
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.args = append(d.args, args)
	for frag, r := range d.row {
		if strings.Contains(sql, frag) {
			return r
		}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	d.args = append(d.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), d.failing
}

func TestPostgresWorkflowRepository_ActiveWorkflow(t *testing.T) {
	db := &fakeDB{
		row: map[string]fakeRow{
			"FROM workflows": {values: []any{"wf-1", "agent-1", "Support"}},
		},
		rows: map[string][][]any{
			"FROM workflow_nodes": {
				{"A", "Greeting", "conversation", []byte(`{"prompt":"Greet the caller."}`)},
				{"B", "Bye", "end_call", []byte(`{"message":"Bye."}`)},
			},
			"FROM workflow_edges": {
				{"e1", "A", "B", []byte(`{"type":"intent","intent":"bye"}`)},
				{"e2", "A", "B", nil},
			},
		},
	}
	repo := NewPostgresWorkflowRepository(db)

	wf, err := repo.ActiveWorkflow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", wf.ID)
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, "Greet the caller.", wf.Nodes[0].Config["prompt"])
	assert.Equal(t, model.NodeEndCall, wf.Nodes[1].Type)
	require.Len(t, wf.Edges, 2)
	assert.Equal(t, &model.Condition{Type: model.ConditionIntent, Intent: "bye"}, wf.Edges[0].Condition)
	assert.Nil(t, wf.Edges[1].Condition)
	assert.Equal(t, []any{"agent-1"}, db.args[0])
}

func TestPostgresWorkflowRepository_Errors(t *testing.T) {
	repo := NewPostgresWorkflowRepository(&fakeDB{})
	_, err := repo.ActiveWorkflow(context.Background(), "ghost")
	assert.True(t, errx.IsKind(err, errx.KindConfiguration))

	_, err = repo.ActiveWorkflow(context.Background(), "")
	assert.True(t, errx.IsKind(err, errx.KindConfiguration))

	bad := &fakeDB{
		row:  map[string]fakeRow{"FROM workflows": {values: []any{"wf-1", "agent-1", "x"}}},
		rows: map[string][][]any{"FROM workflow_nodes": {{"A", "", "conversation", []byte(`not json`)}}},
	}
	_, err = NewPostgresWorkflowRepository(bad).ActiveWorkflow(context.Background(), "agent-1")
	assert.True(t, errx.IsKind(err, errx.KindConfiguration))

	down := &fakeDB{
		row:     map[string]fakeRow{"FROM workflows": {values: []any{"wf-1", "agent-1", "x"}}},
		failing: errors.New("connection reset"),
	}
	_, err = NewPostgresWorkflowRepository(down).ActiveWorkflow(context.Background(), "agent-1")
	assert.True(t, errx.IsKind(err, errx.KindUpstream))
}

func TestPgVectorStore_Query(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"FROM knowledge_chunks": {
			{"k1", "We open at nine.", 0.92},
			{"k2", "Refunds take five days.", 0.81},
		},
	}}
	store := NewPgVectorStore(db)

	chunks, err := store.Query(context.Background(), []float64{1, 0.5}, 99999, model.VectorFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "We open at nine.", chunks[0].Content)
	assert.InDelta(t, 0.92, chunks[0].Score, 1e-9)
	assert.Equal(t, []any{"[1,0.5]", "agent-1", model.MaxTopK}, db.args[0])

	none, err := store.Query(context.Background(), nil, 5, model.VectorFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[]", vectorLiteral(nil))
	assert.Equal(t, "[0.25,-1,3]", vectorLiteral([]float64{0.25, -1, 3}))
}

func TestPostgresOutcomeRecorder_Record(t *testing.T) {
	db := &fakeDB{}
	rec := NewPostgresOutcomeRecorder(db)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, rec.Record(context.Background(), model.CallOutcome{
		SessionID: "CA1", AgentID: "a", CallSID: "CA1", NodeID: "C", Reason: "end_call",
		Variables: map[string]string{"name": "Sam"}, Turns: 3, EndedAt: at,
	}))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "INSERT INTO call_outcomes")
	assert.Equal(t, []byte(`{"name":"Sam"}`), db.args[0][5])

	db.failing = errors.New("down")
	err := rec.Record(context.Background(), model.CallOutcome{})
	assert.True(t, errx.IsKind(err, errx.KindUpstream))
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, EnsureSchema(context.Background(), db))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS call_outcomes")
}
