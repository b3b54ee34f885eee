package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aide/internal/forge"
)

// Deployer triggers the project's deploy workflow.
type Deployer interface {
	Deploy(ctx context.Context, ref string, inputs map[string]any) (string, error)
	RecentRuns(ctx context.Context, limit int) ([]forge.Run, error)
	Target() string
}

// SetDeployer adds deploy_status and the gated deploy tool under the
// "deploy" feature.
func (r *Registry) SetDeployer(d Deployer) {
	r.Register(&Tool{
		Name:        "deploy_status",
		Feature:     "deploy",
		Description: "Show the latest runs of the deploy workflow for " + d.Target() + ".",
		Params: map[string]Param{
			"limit": {Type: "integer", Description: "Number of runs (1-20). Default: 5"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			runs, err := d.RecentRuns(ctx, intArg(args, "limit", 5, 20))
			if err != nil {
				return Result{}, err
			}
			return Text(formatRuns(runs)), nil
		},
	})

	r.Register(&Tool{
		Name:    "deploy",
		Feature: "deploy",
		Gated:   true,
		Description: "Start the deploy workflow for " + d.Target() + ". " +
			"Only deploy when the user has asked you to.",
		Params: map[string]Param{
			"ref":         {Type: "string", Description: "Branch or tag to deploy. Default: the configured ref"},
			"environment": {Type: "string", Description: "Optional environment input passed to the workflow"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			var inputs map[string]any
			if env := stringArg(args, "environment"); env != "" {
				inputs = map[string]any{"environment": env}
			}
			ref, err := d.Deploy(ctx, stringArg(args, "ref"), inputs)
			if forge.IsNotFound(err) {
				return Result{}, &ToolError{Kind: KindUnavailable, Tool: "deploy", Message: "workflow or ref not found", Err: err}
			}
			if err != nil {
				return Result{}, err
			}
			return Text(fmt.Sprintf("Deploy of %s dispatched. Check deploy_status in a minute to follow the run.", ref)), nil
		},
	})
}

func formatRuns(runs []forge.Run) string {
	if len(runs) == 0 {
		return "No runs yet."
	}
	var sb strings.Builder
	for _, run := range runs {
		state := run.Status
		if run.Conclusion != "" {
			state = run.Conclusion
		}
		fmt.Fprintf(&sb, "#%d %s %s", run.Number, state, run.Branch)
		if !run.CreatedAt.IsZero() {
			fmt.Fprintf(&sb, " %s", run.CreatedAt.Local().Format(time.DateTime))
		}
		if run.URL != "" {
			fmt.Fprintf(&sb, " %s", run.URL)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
