package app

import (
	"context"
	"errors"
	"fmt"

	"evoline/internal/config"
	"evoline/internal/repo"
)

// ResolveEngineAndConfig picks the active engine id and ensures a config row
// exists in DB, seeding defaults if missing. It prefers the override, then
// the workspace config file, then the single stored engine config.
func ResolveEngineAndConfig(ctx context.Context, workspace, engineOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	engineID := engineOverride
	if engineID == "" && fileCfg != nil {
		engineID = fileCfg.Engine.ID
	}
	if engineID == "" {
		return "", nil, fmt.Errorf("engine not specified; set engine.id in %s or use --engine", config.Path(workspace))
	}

	// The config file is authoritative when present; the DB copy keeps runs
	// auditable against the config they ran with.
	if fileCfg != nil {
		if err := r.UpsertEngineConfig(ctx, engineID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store engine config: %w", err)
		}
		return engineID, fileCfg, nil
	}

	cfg, err := r.GetEngineConfig(ctx, engineID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(engineID)
		if err := r.UpsertEngineConfig(ctx, engineID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed engine config: %w", err)
		}
	}
	cfg.Engine.ID = engineID
	return engineID, cfg, nil
}
