package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"deplight/internal/security"
)

func TestHookSnippetWithGeneratedSecret(t *testing.T) {
	secret, err := security.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}

	out, err := hookSnippet("shop-api", "main", secret)
	if err != nil {
		t.Fatalf("hookSnippet() error = %v", err)
	}

	var entries []hookEntry
	if err := yaml.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("snippet is not YAML: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].DeploymentID != "shop-api" || entries[0].Secret != secret || entries[0].Branch != "main" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHookSnippetRejectsBadInput(t *testing.T) {
	good, _ := security.GenerateSecret()
	tests := []struct {
		name, id, branch, secret string
	}{
		{"bad id", "../etc", "", good},
		{"weak secret", "shop-api", "", "short"},
		{"bad branch", "shop-api", "-evil", good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := hookSnippet(tt.id, tt.branch, tt.secret); err == nil {
				t.Error("hookSnippet() expected error")
			}
		})
	}
}

func TestHookSnippetOmitsEmptyBranch(t *testing.T) {
	secret, _ := security.GenerateSecret()
	out, err := hookSnippet("shop-api", "", secret)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "branch") {
		t.Errorf("snippet = %q, want no branch key", out)
	}
}
