package config

import "testing"

func TestHookRegistry(t *testing.T) {
	r := NewHookRegistry([]HookConfig{
		{DeploymentID: "web", Secret: goodSecret},
		{DeploymentID: "api", Secret: goodSecret, Branch: "release"},
	})

	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
	if got := r.List(); len(got) != 2 || got[0] != "api" || got[1] != "web" {
		t.Errorf("List() = %v, want [api web]", got)
	}

	web, err := r.Get("web")
	if err != nil {
		t.Fatalf("Get(web) error = %v", err)
	}
	if web.Branch != "main" {
		t.Errorf("default branch = %q, want main", web.Branch)
	}
	if !web.MatchesRef("refs/heads/main") || web.MatchesRef("refs/heads/release") {
		t.Error("web hook matched the wrong ref")
	}

	api, _ := r.Get("api")
	if !api.MatchesRef("refs/heads/release") {
		t.Error("api hook did not match its branch")
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("Get(missing) expected error")
	}
}
