package app

import (
	"context"
	"errors"
	"fmt"

	"agora/internal/config"
	"agora/internal/repo"
)

// ResolveProcessAndConfig picks the active process for a CLI invocation and
// loads the workspace config. Precedence for the process ID: explicit
// override, then agora.yml, then the single process in the database.
func ResolveProcessAndConfig(ctx context.Context, workspace, processOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	processID := processOverride
	if processID == "" && cfg != nil {
		processID = cfg.Process.ID
	}
	if processID == "" {
		p, err := r.SingleProcess(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("process not specified; use --process")
		}
		processID = p.ID
	}

	if _, err := r.GetProcess(ctx, processID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("process %s not found; create it with agora process create", processID)
		}
		return "", nil, err
	}

	if cfg == nil {
		cfg = config.Default(processID)
	}
	cfg.Process.ID = processID
	return processID, cfg, nil
}
