package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"deplight/internal/model"
	"deplight/internal/security"
	"deplight/internal/store"
)

// Seed lists the workspaces to create at startup.
type Seed struct {
	Workspaces map[string]WorkspaceSeed `yaml:"workspaces"`
}

// WorkspaceSeed is one workspace entry of the seed file.
type WorkspaceSeed struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// LoadSeed loads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML seed: %w", err)
	}
	if seed.Workspaces == nil {
		seed.Workspaces = make(map[string]WorkspaceSeed)
	}

	for _, id := range seed.IDs() {
		if problems := ValidateWorkspaceSeed(id, seed.Workspaces[id]); len(problems) > 0 {
			return nil, fmt.Errorf("invalid seed for workspace '%s':\n%s", id, strings.Join(problems, "\n"))
		}
	}
	return &seed, nil
}

// ValidateWorkspaceSeed returns every problem with one entry.
func ValidateWorkspaceSeed(id string, ws WorkspaceSeed) []string {
	var problems []string

	if err := security.ValidateID("workspace id", id); err != nil {
		problems = append(problems, fmt.Sprintf("  - Workspace '%s': %v", id, err))
	}
	if strings.TrimSpace(ws.Name) == "" {
		problems = append(problems, fmt.Sprintf("  - Workspace '%s': missing required 'name' field", id))
	}
	if len(ws.Members) == 0 {
		problems = append(problems, fmt.Sprintf("  - Workspace '%s': at least one member is required", id))
	}
	seen := make(map[string]bool)
	for i, m := range ws.Members {
		if strings.TrimSpace(m) == "" {
			problems = append(problems, fmt.Sprintf("  - Workspace '%s': members[%d] is empty", id, i))
			continue
		}
		if seen[m] {
			problems = append(problems, fmt.Sprintf("  - Workspace '%s': member '%s' listed twice", id, m))
		}
		seen[m] = true
	}
	return problems
}

// IDs returns the workspace ids in sorted order.
func (s *Seed) IDs() []string {
	ids := make([]string, 0, len(s.Workspaces))
	for id := range s.Workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SeedResult counts what Apply changed.
type SeedResult struct {
	Created      int
	MembersAdded int
}

// Apply creates missing workspaces and adds missing members. Existing
// members are never removed, so applying the same seed twice is a no-op.
func (s *Seed) Apply(ctx context.Context, st store.WorkspaceStore) (SeedResult, error) {
	var res SeedResult
	for _, id := range s.IDs() {
		ws := s.Workspaces[id]

		existing, err := st.GetWorkspace(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			err = st.CreateWorkspace(ctx, model.Workspace{ID: id, Name: ws.Name, Members: ws.Members})
			if err != nil {
				return res, fmt.Errorf("create workspace %s: %w", id, err)
			}
			res.Created++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("get workspace %s: %w", id, err)
		}

		for _, member := range ws.Members {
			if existing.HasMember(member) {
				continue
			}
			if err := st.AddMember(ctx, id, member); err != nil {
				return res, fmt.Errorf("add member %s to %s: %w", member, id, err)
			}
			res.MembersAdded++
		}
	}
	return res, nil
}
