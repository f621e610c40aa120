package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"deplight/internal/model"
)

// HTTPInsight asks a text-generation service to explain a problem.
type HTTPInsight struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPInsight creates a client for the service at url.
func NewHTTPInsight(url, token string, client *http.Client) *HTTPInsight {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInsight{url: strings.TrimSuffix(url, "/"), token: token, client: client}
}

type insightRequest struct {
	DeploymentID string       `json:"deploymentId"`
	Version      string       `json:"version"`
	Status       model.Status `json:"status"`
	Problem      string       `json:"problem"`
}

type insightResponse struct {
	Insight string `json:"insight"`
}

// Insight returns the service's explanation of problem.
func (c *HTTPInsight) Insight(ctx context.Context, d model.Deployment, problem string) (string, error) {
	requestBody, err := json.Marshal(insightRequest{
		DeploymentID: d.ID,
		Version:      d.Version,
		Status:       d.Status,
		Problem:      problem,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/insight", bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get insight: status code %d", resp.StatusCode)
	}

	var out insightResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response body: %w", err)
	}
	if strings.TrimSpace(out.Insight) == "" {
		return "", fmt.Errorf("empty insight")
	}
	return strings.TrimSpace(out.Insight), nil
}

// StaticInsight answers from a fixed table keyed by the failing step. It
// is used when no insight service is configured.
type StaticInsight struct{}

var stepHints = map[model.StepKind]string{
	model.StepLint:   "Lint rejected the change. Run the linter locally and fix the reported issues before redeploying.",
	model.StepTest:   "A test failed. Check the most recent commits for behaviour changes and rerun the suite.",
	model.StepBuild:  "The build broke. Dependencies or generated files are the usual suspects.",
	model.StepDeploy: "The new version did not start. Check its configuration and resource limits.",
	model.StepRoute:  "Traffic could not be shifted to the new version. The previous version is still serving.",
}

// Insight returns the canned hint for the step named in problem.
func (StaticInsight) Insight(_ context.Context, d model.Deployment, problem string) (string, error) {
	for _, step := range d.PipelineSteps {
		if step.Status == model.StepFailed {
			if hint, ok := stepHints[step.ID]; ok {
				return hint, nil
			}
		}
	}
	return fmt.Sprintf("%s needs attention: %s", d.Version, problem), nil
}
