package security

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"deplight/internal/model"
)

// Field limits for client commands.
const (
	MaxTextLength    = 200
	MaxEmojiLength   = 32
	MaxCommandLength = 512
)

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
)

// ValidateID checks a workspace or deployment identifier.
func ValidateID(field, id string) error {
	if !idPattern.MatchString(id) {
		return model.Validationf("%s must be 1-64 characters of letters, digits, '_' or '-'", field)
	}
	return nil
}

// ValidateGitURL requires an absolute http(s) repository URL.
func ValidateGitURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.Validationf("gitUrl is not a valid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return model.Validationf("gitUrl must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return model.Validationf("gitUrl must include a host")
	}
	if u.User != nil {
		return model.Validationf("gitUrl must not carry credentials")
	}
	return nil
}

// ValidateBranchName rejects names git would read as an option.
func ValidateBranchName(branch string) error {
	if strings.HasPrefix(branch, "-") {
		return model.Validationf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) || strings.Contains(branch, "..") {
		return model.Validationf("branch name contains invalid characters")
	}
	return nil
}

// ValidateText bounds a free-text field such as version or description.
func ValidateText(field, s string, max int) error {
	if utf8.RuneCountInString(s) > max {
		return model.Validationf("%s must be at most %d characters", field, max)
	}
	return nil
}

// ValidateEmoji checks a reaction.
func ValidateEmoji(emoji string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(emoji))
	if n == 0 || utf8.RuneCountInString(emoji) > MaxEmojiLength {
		return model.Validationf("emoji must be 1-%d characters", MaxEmojiLength)
	}
	return nil
}

// ValidateCommand checks a console command.
func ValidateCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return model.Validationf("command is empty")
	}
	if len(cmd) > MaxCommandLength {
		return model.Validationf("command must be at most %d bytes", MaxCommandLength)
	}
	return nil
}
