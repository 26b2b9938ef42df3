// Package app resolves the active index for CLI commands from flags, the
// workspace config, or the database.
package app

import (
	"context"
	"errors"
	"fmt"

	"maturion/internal/config"
	"maturion/internal/domain"
	"maturion/internal/repo"
)

// ResolveIndex picks the working index: an explicit --index code wins, then
// the code in maturion.yml, then a lone index in the database. Indices are
// never created implicitly; creation is an admin operation.
func ResolveIndex(ctx context.Context, workspace, codeOverride string, r repo.Repo) (domain.Index, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return domain.Index{}, nil, err
	}
	code := codeOverride
	if code == "" && cfg != nil {
		code = cfg.Index.Code
	}
	if code != "" {
		ix, err := r.GetIndexByCode(ctx, code)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Index{}, cfg, fmt.Errorf("index %s not found; create it with mx index create", code)
		}
		return ix, cfg, err
	}
	indices, err := r.ListIndices(ctx)
	if err != nil {
		return domain.Index{}, cfg, err
	}
	switch len(indices) {
	case 0:
		return domain.Index{}, cfg, fmt.Errorf("no index exists; create one with mx index create")
	case 1:
		return indices[0], cfg, nil
	default:
		return domain.Index{}, cfg, fmt.Errorf("multiple indices exist; specify --index")
	}
}
