// Package integration holds the external collaborators of the deployment
// engine: the GitHub Actions CI trigger, the Slack notifier and the insight
// client.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"deplight/internal/deployment"
	"deplight/internal/model"
)

// dispatchSkew widens the created-at window to absorb clock drift between
// this host and GitHub.
const dispatchSkew = 10 * time.Second

// GitHubConfig names the platform repository whose workflow performs the
// real deployment.
type GitHubConfig struct {
	Token       string
	Owner       string
	Repo        string
	Workflow    string
	Ref         string
	Environment string
	// BaseURL overrides the API endpoint (GitHub Enterprise or tests).
	BaseURL string
	// RunLookupDelay is the pause before each attempt to find the
	// dispatched run. GitHub creates it asynchronously.
	RunLookupDelay time.Duration
	// RunLookupAttempts bounds how often the run list is polled.
	RunLookupAttempts int
}

// GitHubTrigger dispatches a workflow_dispatch event per deployment.
type GitHubTrigger struct {
	client *github.Client
	cfg    GitHubConfig
	now    func() time.Time
}

// NewGitHubTrigger creates an authenticated trigger.
func NewGitHubTrigger(cfg GitHubConfig) (*GitHubTrigger, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if cfg.Workflow == "" {
		cfg.Workflow = "deploy.yml"
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.RunLookupAttempts <= 0 {
		cfg.RunLookupAttempts = 5
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}

	return &GitHubTrigger{client: client, cfg: cfg, now: time.Now}, nil
}

// Trigger dispatches the deploy workflow for d and returns the URL of the
// run that dispatch created. An empty URL means the run did not show up
// within the lookup attempts.
func (g *GitHubTrigger) Trigger(ctx context.Context, d model.Deployment) (string, error) {
	branch := d.Branch
	if branch == "" {
		branch = "main"
	}

	event := github.CreateWorkflowDispatchEventRequest{
		Ref: g.cfg.Ref,
		Inputs: map[string]interface{}{
			"environment":       g.cfg.Environment,
			"target_repository": d.GitURL,
			"target_branch":     branch,
			"deployment_id":     d.ID,
		},
	}
	since := g.now().UTC().Add(-dispatchSkew).Truncate(time.Second)
	resp, err := g.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, g.cfg.Owner, g.cfg.Repo, g.cfg.Workflow, event)
	if err != nil {
		return "", fmt.Errorf("dispatching workflow %s: %w", g.cfg.Workflow, err)
	}
	if resp != nil && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("dispatching workflow %s: unexpected status %d", g.cfg.Workflow, resp.StatusCode)
	}

	for attempt := 0; attempt < g.cfg.RunLookupAttempts; attempt++ {
		if g.cfg.RunLookupDelay > 0 {
			select {
			case <-time.After(g.cfg.RunLookupDelay):
			case <-ctx.Done():
				return "", nil
			}
		}
		run, err := g.findRun(ctx, d.ID, since)
		if err != nil {
			return "", err
		}
		if run != nil {
			return run.GetHTMLURL(), nil
		}
	}
	return "", nil
}

// findRun returns the workflow_dispatch run created at or after since.
// A run whose title carries the deployment ID wins; otherwise the oldest
// candidate is taken, being the first dispatch after since.
func (g *GitHubTrigger) findRun(ctx context.Context, deploymentID string, since time.Time) (*github.WorkflowRun, error) {
	opts := &github.ListWorkflowRunsOptions{
		Event:       "workflow_dispatch",
		Branch:      g.cfg.Ref,
		Created:     ">=" + since.Format(time.RFC3339),
		ListOptions: github.ListOptions{PerPage: 20},
	}
	runs, _, err := g.client.Actions.ListWorkflowRunsByFileName(ctx, g.cfg.Owner, g.cfg.Repo, g.cfg.Workflow, opts)
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs: %w", err)
	}
	if runs == nil {
		return nil, nil
	}

	var oldest *github.WorkflowRun
	for _, run := range runs.WorkflowRuns {
		if run.GetEvent() != "workflow_dispatch" || run.GetCreatedAt().Time.Before(since) {
			continue
		}
		if deploymentID != "" && (strings.Contains(run.GetDisplayTitle(), deploymentID) || strings.Contains(run.GetName(), deploymentID)) {
			return run, nil
		}
		if oldest == nil || run.GetCreatedAt().Time.Before(oldest.GetCreatedAt().Time) {
			oldest = run
		}
	}
	return oldest, nil
}

// RunStatus reports the state of the run behind runURL and its jobs.
func (g *GitHubTrigger) RunStatus(ctx context.Context, runURL string) (deployment.CIStatus, error) {
	id, err := strconv.ParseInt(path.Base(strings.TrimSuffix(runURL, "/")), 10, 64)
	if err != nil {
		return deployment.CIStatus{}, fmt.Errorf("no run id in %q", runURL)
	}

	run, _, err := g.client.Actions.GetWorkflowRunByID(ctx, g.cfg.Owner, g.cfg.Repo, id)
	if err != nil {
		return deployment.CIStatus{}, fmt.Errorf("getting workflow run %d: %w", id, err)
	}
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, g.cfg.Owner, g.cfg.Repo, id, &github.ListWorkflowJobsOptions{})
	if err != nil {
		return deployment.CIStatus{}, fmt.Errorf("listing jobs of run %d: %w", id, err)
	}

	status := deployment.CIStatus{Status: run.GetStatus(), Conclusion: run.GetConclusion()}
	if jobs != nil {
		for _, job := range jobs.Jobs {
			status.Jobs = append(status.Jobs, deployment.CIJob{
				Name:       job.GetName(),
				Status:     job.GetStatus(),
				Conclusion: job.GetConclusion(),
			})
		}
	}
	return status, nil
}
