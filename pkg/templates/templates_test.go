package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderBuiltIn(t *testing.T) {
	tests := []struct {
		name string
		data NoticeData
		want []string
	}{
		{
			name: DeployStarted,
			data: NoticeData{DeploymentID: "p1", Version: "v1", Actor: "alice", Repository: "https://x/y", Branch: "main"},
			want: []string{"*alice*", "`v1`", "https://x/y@main"},
		},
		{
			name: DeployProgress,
			data: NoticeData{DeploymentID: "p1", Version: "v1", Step: "build"},
			want: []string{"`v1`", "*build* completed"},
		},
		{
			name: DeploySucceeded,
			data: NoticeData{DeploymentID: "p1", Version: "v1", CIRunURL: "https://ci/runs/1"},
			want: []string{"is live", "https://ci/runs/1"},
		},
		{
			name: DeployFailed,
			data: NoticeData{DeploymentID: "p1", Version: "v1", Step: "test", Insight: "Flaky test."},
			want: []string{"*test*", "Awaiting rollback approval", "> Flaky test."},
		},
		{
			name: DeployRolledBack,
			data: NoticeData{DeploymentID: "p1", Version: "v1 (rolled back)", Actor: "bob"},
			want: []string{"*bob*", "v1 (rolled back)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.name, tt.data)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			for _, part := range tt.want {
				if !strings.Contains(got, part) {
					t.Errorf("Render() = %q, missing %q", got, part)
				}
			}
		})
	}
}

func TestRenderOmitsEmptyOptionalFields(t *testing.T) {
	got, err := Render(DeployStarted, NoticeData{DeploymentID: "p1", Version: "v1", Actor: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "from") {
		t.Errorf("Render() = %q, want no repository clause", got)
	}
}

func TestRenderOverrideFile(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, "templates")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, DeploySucceeded+".tmpl"), []byte("done: {{.Version}}"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(tmpDir)

	got, err := Render(DeploySucceeded, NoticeData{Version: "v9"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "done: v9" {
		t.Errorf("Render() = %q, want %q", got, "done: v9")
	}
}

func TestUnknownTemplate(t *testing.T) {
	if _, err := Render("nginx-site", NoticeData{}); err == nil {
		t.Error("Render() expected error for unknown template")
	}
	if ValidateTemplate("nginx-site") {
		t.Error("ValidateTemplate() accepted an unknown name")
	}
}
