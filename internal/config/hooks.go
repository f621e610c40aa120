package config

import (
	"fmt"
	"sort"
	"sync"
)

// Hook is a validated push webhook for one deployment.
type Hook struct {
	DeploymentID string
	Secret       string
	Branch       string
}

// MatchesRef checks if a git ref names the hook's branch.
func (h *Hook) MatchesRef(ref string) bool {
	return ref == "refs/heads/"+h.Branch
}

// HookRegistry looks up webhooks by deployment id.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]*Hook
}

// NewHookRegistry builds a registry from the hooks section. Branch
// defaults to main.
func NewHookRegistry(hooks []HookConfig) *HookRegistry {
	r := &HookRegistry{hooks: make(map[string]*Hook, len(hooks))}
	for _, h := range hooks {
		branch := h.Branch
		if branch == "" {
			branch = "main"
		}
		r.hooks[h.DeploymentID] = &Hook{DeploymentID: h.DeploymentID, Secret: h.Secret, Branch: branch}
	}
	return r
}

// Get retrieves the hook of a deployment.
func (r *HookRegistry) Get(deploymentID string) (*Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hooks[deploymentID]
	if !ok {
		return nil, fmt.Errorf("no webhook configured for deployment '%s'", deploymentID)
	}
	return h, nil
}

// List returns the deployment ids with a webhook, sorted.
func (r *HookRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.hooks))
	for id := range r.hooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of hooks.
func (r *HookRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.hooks)
}
