package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"eleutherios/internal/config"
	"eleutherios/internal/repo"
)

// ResolveConfig loads the workspace config, writing the default file
// when none exists yet so a fresh workspace is usable immediately.
func ResolveConfig(workspace, instanceID string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	if instanceID == "" {
		instanceID = "local"
	}
	path := config.Path(workspace)
	if err := os.WriteFile(path, []byte(config.GenerateDefault(instanceID)), 0o644); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return config.Default(instanceID), nil
}

// ResolvePolicy picks the policy a command should operate on. It
// prefers the explicit override, then a single root policy in the
// database, mirroring how commands resolve their target.
func ResolvePolicy(ctx context.Context, policyOverride string, r repo.Repo) (string, error) {
	if policyOverride != "" {
		if _, err := r.GetPolicy(ctx, policyOverride); err != nil {
			return "", fmt.Errorf("policy %s: %w", policyOverride, err)
		}
		return policyOverride, nil
	}
	p, err := r.SingleRootPolicy(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no policy exists yet; create one with eleu policy create")
		}
		return "", err
	}
	return p.ID, nil
}

// ResolveForum picks the forum a command should operate on: the
// explicit override, or the only forum under the resolved policy.
func ResolveForum(ctx context.Context, forumOverride, policyID string, r repo.Repo) (string, error) {
	if forumOverride != "" {
		if _, err := r.GetForum(ctx, forumOverride); err != nil {
			return "", fmt.Errorf("forum %s: %w", forumOverride, err)
		}
		return forumOverride, nil
	}
	forums, err := r.ListForums(ctx, policyID)
	if err != nil {
		return "", err
	}
	if len(forums) == 0 {
		return "", fmt.Errorf("no forum exists under policy %s; create one with eleu forum create", policyID)
	}
	if len(forums) > 1 {
		return "", fmt.Errorf("multiple forums exist; specify --forum")
	}
	return forums[0].ID, nil
}

// Actor resolves the acting user for a command, falling back to a
// local default so single-user workspaces need no flags.
func Actor(override string) string {
	if override != "" {
		return override
	}
	if u := os.Getenv("ELEU_ACTOR"); u != "" {
		return u
	}
	return "local-user"
}
