package security

import (
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr string
	}{
		{"strong random secret", "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS2uW5yA7bD0fG3hK6", ""},
		{"base64 secret", "dGhpcyBpcyBhIHZlcnkgbG9uZyBzZWNyZXQgd2l0aCBnb29kIGVudHJvcHk=", ""},
		{"too short", "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS", "too short"},
		{"empty", "", "too short"},
		{"placeholder", "replace-with-secret-must-be-at-least-48-characters-long", "placeholder"},
		{"low entropy", strings.Repeat("ab", 30), "entropy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecret(tt.secret)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateSecret() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateSecret() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	seen := make(map[string]bool)
	for range 10 {
		s, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error = %v", err)
		}
		if len(s) != MinSecretLength {
			t.Errorf("len = %d, want %d", len(s), MinSecretLength)
		}
		if err := ValidateSecret(s); err != nil {
			t.Errorf("generated secret rejected: %v", err)
		}
		if seen[s] {
			t.Error("GenerateSecret() repeated a value")
		}
		seen[s] = true
	}
}

func TestShannonEntropy(t *testing.T) {
	if got := shannonEntropy(""); got != 0 {
		t.Errorf("empty = %f", got)
	}
	if got := shannonEntropy("aaaa"); got != 0 {
		t.Errorf("uniform = %f", got)
	}
	if got := shannonEntropy("abcd"); got != 2 {
		t.Errorf("four symbols = %f, want 2", got)
	}
}
