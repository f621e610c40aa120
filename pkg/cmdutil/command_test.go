package cmdutil

import (
	"slices"
	"testing"
)

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "simple command",
			input: "kubectl get pods",
			want:  []string{"kubectl", "get", "pods"},
		},
		{
			name:  "double quoted argument",
			input: `kubectl logs "my pod"`,
			want:  []string{"kubectl", "logs", "my pod"},
		},
		{
			name:  "single quoted argument",
			input: "echo 'hello world'",
			want:  []string{"echo", "hello world"},
		},
		{
			name:  "extra whitespace",
			input: "  ls   -la  ",
			want:  []string{"ls", "-la"},
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "unterminated quote",
			input:   `echo "oops`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !slices.Equal(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		input []string
		want  string
	}{
		{[]string{"ls"}, "ls"},
		{[]string{"kubectl", "logs", "my pod"}, `kubectl logs 'my pod'`},
		{nil, "<empty command>"},
	}
	for _, tt := range tests {
		if got := FormatCommand(tt.input); got != tt.want {
			t.Errorf("FormatCommand(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestHasPrefix(t *testing.T) {
	parts := []string{"kubectl", "get", "pods", "-A"}
	if !HasPrefix(parts, "kubectl", "get", "pods") {
		t.Error("expected prefix match")
	}
	if HasPrefix(parts, "kubectl", "logs") {
		t.Error("unexpected prefix match")
	}
	if HasPrefix([]string{"kubectl"}, "kubectl", "get") {
		t.Error("prefix longer than parts should not match")
	}
}

func TestSanitizeOutput(t *testing.T) {
	got := SanitizeOutput("token=xoxb-123 failed", []string{"xoxb-123", ""})
	if got != "token=***REDACTED*** failed" {
		t.Errorf("SanitizeOutput = %q", got)
	}
}
