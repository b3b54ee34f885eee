// Package forge triggers and inspects deployment workflows on GitHub
// Actions.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/nugget/aide/internal/buildinfo"
	"github.com/nugget/aide/internal/httpkit"
)

// DefaultURL is the public GitHub API endpoint.
const DefaultURL = "https://api.github.com"

// Config identifies the workflow that deploys the user's project.
type Config struct {
	Token    string `yaml:"token"`
	Repo     string `yaml:"repo"`     // owner/repo
	Workflow string `yaml:"workflow"` // file name, e.g. deploy.yml
	Ref      string `yaml:"ref"`      // default branch or tag to deploy
	URL      string `yaml:"url"`      // API base; GitHub Enterprise only
}

// Configured reports whether deploys are possible.
func (c Config) Configured() bool {
	return c.Token != "" && c.Repo != "" && c.Workflow != ""
}

// ApplyDefaults fills in optional fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Ref == "" {
		c.Ref = "main"
	}
}

// Validate checks a configured forge block.
func (c Config) Validate() error {
	if !c.Configured() {
		return nil
	}
	if _, _, err := splitRepo(c.Repo); err != nil {
		return err
	}
	if !strings.HasSuffix(c.Workflow, ".yml") && !strings.HasSuffix(c.Workflow, ".yaml") {
		return fmt.Errorf("forge workflow %q: expected a workflow file name ending in .yml or .yaml", c.Workflow)
	}
	return nil
}

// Run is one workflow run.
type Run struct {
	ID         int64
	Number     int
	Branch     string
	SHA        string
	Event      string
	Status     string
	Conclusion string
	URL        string
	CreatedAt  time.Time
}

// Deployer dispatches a workflow_dispatch event for one workflow.
type Deployer struct {
	client   *gogithub.Client
	owner    string
	repo     string
	workflow string
	ref      string
	logger   *slog.Logger
}

// NewDeployer creates a deployer from cfg. A nil httpClient gets one
// from httpkit.
func NewDeployer(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Deployer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	owner, repo, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		)
	}

	client := gogithub.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.URL != DefaultURL {
		client, err = client.WithEnterpriseURLs(cfg.URL, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("forge url %q: %w", cfg.URL, err)
		}
	}

	return &Deployer{
		client:   client,
		owner:    owner,
		repo:     repo,
		workflow: cfg.Workflow,
		ref:      cfg.Ref,
		logger:   logger,
	}, nil
}

// Deploy dispatches the workflow at ref, or at the configured ref when
// empty. GitHub does not return the run it creates.
func (d *Deployer) Deploy(ctx context.Context, ref string, inputs map[string]any) (string, error) {
	if ref == "" {
		ref = d.ref
	}
	event := gogithub.CreateWorkflowDispatchEventRequest{Ref: ref, Inputs: inputs}
	resp, err := d.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, d.owner, d.repo, d.workflow, event)
	checkRateLimit(d.logger, resp)
	if err != nil {
		return "", fmt.Errorf("dispatch %s on %s/%s@%s: %w", d.workflow, d.owner, d.repo, ref, err)
	}
	d.logger.Info("deploy dispatched",
		"repo", d.owner+"/"+d.repo,
		"workflow", d.workflow,
		"ref", ref,
	)
	return ref, nil
}

// RecentRuns returns up to limit of the workflow's latest runs, newest
// first.
func (d *Deployer) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 5
	}
	opts := &gogithub.ListWorkflowRunsOptions{ListOptions: gogithub.ListOptions{PerPage: limit}}
	runs, resp, err := d.client.Actions.ListWorkflowRunsByFileName(ctx, d.owner, d.repo, d.workflow, opts)
	checkRateLimit(d.logger, resp)
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", d.workflow, err)
	}
	if runs == nil {
		return nil, nil
	}
	out := make([]Run, 0, len(runs.WorkflowRuns))
	for _, r := range runs.WorkflowRuns {
		out = append(out, convertRun(r))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Target describes what Deploy acts on, for display.
func (d *Deployer) Target() string {
	return fmt.Sprintf("%s/%s %s (default ref %s)", d.owner, d.repo, d.workflow, d.ref)
}

func convertRun(r *gogithub.WorkflowRun) Run {
	run := Run{
		ID:         r.GetID(),
		Number:     r.GetRunNumber(),
		Branch:     r.GetHeadBranch(),
		SHA:        r.GetHeadSHA(),
		Event:      r.GetEvent(),
		Status:     r.GetStatus(),
		Conclusion: r.GetConclusion(),
		URL:        r.GetHTMLURL(),
	}
	if r.CreatedAt != nil {
		run.CreatedAt = r.CreatedAt.Time
	}
	return run
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return owner, name, nil
}

// checkRateLimit warns when the remaining API allowance runs low.
func checkRateLimit(logger *slog.Logger, resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// IsNotFound reports whether err is a GitHub 404, which is what a
// missing workflow file or an unauthorized token produce.
func IsNotFound(err error) bool {
	var ghErr *gogithub.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}
