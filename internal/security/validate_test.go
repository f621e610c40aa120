package security

import (
	"errors"
	"strings"
	"testing"

	"deplight/internal/model"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"ws-1", false},
		{"A_b-9", false},
		{strings.Repeat("a", 64), false},
		{"", true},
		{strings.Repeat("a", 65), true},
		{"../etc", true},
		{"has space", true},
		{"ws;rm", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateID("workspaceId", tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, model.ErrValidation) {
				t.Errorf("ValidateID(%q) error does not wrap ErrValidation", tt.id)
			}
		})
	}
}

func TestValidateGitURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://github.com/acme/app", false},
		{"https://gitlab.example.com/team/app.git", false},
		{"http://git.internal:8080/app", false},
		{"git@github.com:acme/app.git", true},
		{"ftp://github.com/acme/app", true},
		{"https://", true},
		{"https://user:pw@github.com/acme/app", true},
		{"not a url", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateGitURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGitURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		branch  string
		wantErr bool
	}{
		{"main", false},
		{"feature/login", false},
		{"release-1.2", false},
		{"-f", true},
		{"a..b", true},
		{"bad branch", true},
		{"$(reboot)", true},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			if err := ValidateBranchName(tt.branch); (err != nil) != tt.wantErr {
				t.Errorf("ValidateBranchName(%q) error = %v, wantErr %v", tt.branch, err, tt.wantErr)
			}
		})
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText("version", strings.Repeat("é", MaxTextLength), MaxTextLength); err != nil {
		t.Errorf("200 runes rejected: %v", err)
	}
	if err := ValidateText("version", strings.Repeat("x", MaxTextLength+1), MaxTextLength); err == nil {
		t.Error("201 characters accepted")
	}
}

func TestValidateEmoji(t *testing.T) {
	tests := []struct {
		emoji   string
		wantErr bool
	}{
		{"🚀", false},
		{":tada:", false},
		{"", true},
		{"   ", true},
		{strings.Repeat("x", MaxEmojiLength+1), true},
	}
	for _, tt := range tests {
		if err := ValidateEmoji(tt.emoji); (err != nil) != tt.wantErr {
			t.Errorf("ValidateEmoji(%q) error = %v, wantErr %v", tt.emoji, err, tt.wantErr)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	if err := ValidateCommand("kubectl get pods"); err != nil {
		t.Errorf("ValidateCommand() error = %v", err)
	}
	if err := ValidateCommand("  "); err == nil {
		t.Error("blank command accepted")
	}
	if err := ValidateCommand(strings.Repeat("a", MaxCommandLength+1)); err == nil {
		t.Error("oversized command accepted")
	}
}
