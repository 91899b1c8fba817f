package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// FileWorkflowRepository serves workflows from <dir>/<agentID>.yaml. Files
// are read on every call so edits apply to the next call without a restart.
type FileWorkflowRepository struct {
	dir string
}

func NewFileWorkflowRepository(dir string) *FileWorkflowRepository {
	return &FileWorkflowRepository{dir: dir}
}

func (r *FileWorkflowRepository) ActiveWorkflow(ctx context.Context, agentID string) (*model.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || strings.HasPrefix(agentID, ".") {
		return nil, errx.Configuration(fmt.Errorf("agent id %q", agentID), "invalid agent id")
	}

	path := filepath.Join(r.dir, agentID+".yaml")
	wf, err := LoadWorkflowFile(path)
	if err != nil {
		return nil, err
	}
	if wf.AgentID == "" {
		wf.AgentID = agentID
	}
	return wf, nil
}

// LoadWorkflowFile decodes one YAML workflow definition.
func LoadWorkflowFile(path string) (*model.Workflow, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errx.Configuration(err, "no active workflow for agent")
	}
	if err != nil {
		logx.Error().Err(err).Str("path", path).Msg("failed to read workflow file")
		return nil, errx.Upstream(err, "failed to read workflow")
	}

	var wf model.Workflow
	if err := yaml.Unmarshal(b, &wf); err != nil {
		return nil, errx.Configuration(fmt.Errorf("%s: %w", path, err), "invalid workflow file")
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &wf, nil
}

var _ model.WorkflowRepository = (*FileWorkflowRepository)(nil)
