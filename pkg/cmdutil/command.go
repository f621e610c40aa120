// Package cmdutil parses and formats shell-style command lines.
package cmdutil

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ParseCommandString parses a shell-quoted command string into parts.
//
// Example:
//
//	"kubectl logs \"my pod\"" -> ["kubectl", "logs", "my pod"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "commit", "-m", "my message"] -> "git commit -m 'my message'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}
	return strings.Join(quoted, " ")
}

// HasPrefix reports whether parts starts with every word of prefix.
func HasPrefix(parts []string, prefix ...string) bool {
	if len(parts) < len(prefix) {
		return false
	}
	for i, word := range prefix {
		if parts[i] != word {
			return false
		}
	}
	return true
}

// SanitizeOutput replaces every occurrence of a secret with a marker.
func SanitizeOutput(output string, secrets []string) string {
	for _, secret := range secrets {
		if secret != "" {
			output = strings.ReplaceAll(output, secret, "***REDACTED***")
		}
	}
	return output
}
