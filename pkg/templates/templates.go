// Package templates renders chat notification text. Built-in templates can
// be overridden by files named <name>.tmpl in ./templates,
// ./config/templates or /etc/deplight/templates.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"deplight/pkg/fileutil"
)

// Template names
const (
	DeployStarted    = "deploy-started"
	DeployProgress   = "deploy-progress"
	DeploySucceeded  = "deploy-succeeded"
	DeployFailed     = "deploy-failed"
	DeployRolledBack = "deploy-rolled-back"
)

//go:embed defaults/*.tmpl
var defaults embed.FS

// NoticeData holds the fields a notice template can use.
type NoticeData struct {
	DeploymentID string
	WorkspaceID  string
	Version      string
	Repository   string
	Branch       string
	Actor        string
	Step         string
	CIRunURL     string
	Insight      string
}

// GetTemplatePaths returns the override search paths for a template.
func GetTemplatePaths(name string) []string {
	filename := name + ".tmpl"
	dirs := fileutil.ConfigDirs()
	paths := make([]string, len(dirs))
	for i, dir := range dirs {
		paths[i] = filepath.Join(dir, "templates", filename)
	}
	return paths
}

// GetTemplate returns the raw template text, preferring an override file.
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}
	if path := fileutil.SearchPathsOptional(GetTemplatePaths(name)); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read template %s: %w", path, err)
		}
		return string(content), nil
	}
	content, err := defaults.ReadFile("defaults/" + name + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("built-in template %s: %w", name, err)
	}
	return string(content), nil
}

// Render executes the named template with data.
func Render(name string, data NoticeData) (string, error) {
	text, err := GetTemplate(name)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{DeployStarted, DeployProgress, DeploySucceeded, DeployFailed, DeployRolledBack}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	for _, known := range ListTemplates() {
		if name == known {
			return true
		}
	}
	return false
}
