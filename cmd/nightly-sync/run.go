package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/cfg"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/ci"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/githubclt"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/nightlysync"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/toolchain"
)

const pushgatewayJobName = "nightly_sync"

type runArguments struct {
	Outcome       string
	Branch        string
	RunID         string
	Repository    string
	HeadSHA       string
	ToolchainFile string
	FromGithubRun int64
	DryRun        bool
}

func newRunCmd() *cobra.Command {
	var runArgs runArguments

	cmd := cobra.Command{
		Use:   "run",
		Short: "Process the outcome of a single CI run",
		Long: `Process the outcome of a single CI run.

The verdict is either passed via --outcome, --branch, --run-id and
--repository or resolved from the GitHub Actions API with --from-github-run.
The process exits with 0 when all fatal steps succeeded, otherwise with the
exit code of the first failed step:
  3 malformed toolchain pin
  4 publishing the release tag failed
  5 notification delivery failed
  6 toolchain pin unavailable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, &runArgs)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&runArgs.Outcome, "outcome", "", "outcome of the CI run: success or failure")
	flags.StringVar(&runArgs.Branch, "branch", "", "branch the CI run executed against")
	flags.StringVar(&runArgs.RunID, "run-id", "", "id of the CI run")
	flags.StringVar(&runArgs.Repository, "repository", "", "repository of the CI run in the format owner/name, defaults to the configured source repository")
	flags.StringVar(&runArgs.HeadSHA, "head-sha", "", "commit the CI run executed against, the tip of the branch is used when unset")
	flags.StringVar(&runArgs.ToolchainFile, "toolchain-file", "", "path to the toolchain pin file, defaults to server.toolchain_file of the configuration")
	flags.Int64Var(&runArgs.FromGithubRun, "from-github-run", 0, "resolve the verdict from the GitHub Actions workflow run with this id")
	addDryRunFlag(flags, &runArgs.DryRun)

	return &cmd
}

func runRun(cmd *cobra.Command, runArgs *runArguments) error {
	config := mustLoadCfg()
	mustInitLogger(config)
	logCfg(config)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if runArgs.Repository == "" && config.Source.Owner != "" {
		runArgs.Repository = config.Source.FullName()
	}

	dryRun := runArgs.DryRun || config.DryRun

	githubClt, err := newGithubClient(config)
	if err != nil {
		return err
	}

	verdict, err := verdictFromArgs(ctx, runArgs, githubClt)
	if err != nil {
		return err
	}

	if err := verdict.Validate(); err != nil {
		return fmt.Errorf("invalid verdict: %w", err)
	}

	comps, err := newComponents(ctx, config, githubClt, pinSource(config, runArgs, githubClt), dryRun)
	if err != nil {
		return err
	}
	defer comps.Close()

	retryer := nightlysync.NewRetryer(config.RetryTimeoutDuration())

	var report *nightlysync.Report
	err = retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		report, err = comps.pipeline.Run(ctx, verdict)
		return err
	}, verdict.LogFields())

	pushMetrics(config)

	if report == nil {
		return err
	}

	exitCode = report.ExitCode()

	logger.Info(
		"invocation finished",
		logfields.Event("invocation_finished"),
		zap.Int("exit_code", exitCode),
		zap.Bool("ignored", report.Ignored),
		zap.String("tag_result", report.TagResult.String()),
		zap.String("merge_result", report.MergeResult.String()),
		zap.String("notification", report.Notification.String()),
		zap.Error(err),
	)

	return nil
}

func verdictFromArgs(ctx context.Context, runArgs *runArguments, githubClt *githubclt.Client) (*ci.Verdict, error) {
	if runArgs.FromGithubRun != 0 {
		return verdictFromGithubRun(ctx, runArgs, githubClt)
	}

	outcome, err := ci.ParseOutcome(runArgs.Outcome)
	if err != nil {
		return nil, err
	}

	return &ci.Verdict{
		Outcome:    outcome,
		Branch:     runArgs.Branch,
		RunID:      runArgs.RunID,
		Repository: runArgs.Repository,
		HeadSHA:    runArgs.HeadSHA,
	}, nil
}

func verdictFromGithubRun(ctx context.Context, runArgs *runArguments, githubClt *githubclt.Client) (*ci.Verdict, error) {
	owner, repo, found := strings.Cut(runArgs.Repository, "/")
	if !found || owner == "" || repo == "" {
		return nil, fmt.Errorf("--repository must be in the format owner/name when --from-github-run is used, got: %q", runArgs.Repository)
	}

	run, err := githubClt.WorkflowRun(ctx, owner, repo, runArgs.FromGithubRun)
	if err != nil {
		return nil, fmt.Errorf("retrieving workflow run %d failed: %w", runArgs.FromGithubRun, err)
	}

	var outcome ci.Outcome

	switch run.Status {
	case githubclt.CIStatusSuccess:
		outcome = ci.Success
	case githubclt.CIStatusFailure:
		outcome = ci.Failure
	default:
		return nil, fmt.Errorf("workflow run %d did not succeed or fail, status: %s", run.ID, run.Status)
	}

	logger.Debug(
		"resolved verdict from github workflow run",
		logfields.Event("verdict_resolved"),
		logfields.RunID(strconv.FormatInt(run.ID, 10)),
		zap.String("run_url", run.HTMLURL),
	)

	return &ci.Verdict{
		Outcome:    outcome,
		Branch:     run.HeadBranch,
		RunID:      strconv.FormatInt(run.ID, 10),
		Repository: run.Repository,
		HeadSHA:    run.HeadSHA,
	}, nil
}

// pinSource returns the source of the toolchain pin.
// The pin is read from the local file, except when the verdict is
// resolved from the GitHub API and no file was passed. Then the file is
// retrieved at the commit of the run.
func pinSource(config *cfg.Config, runArgs *runArguments, githubClt *githubclt.Client) nightlysync.PinSource {
	if runArgs.ToolchainFile != "" {
		return &toolchain.FileSource{Path: runArgs.ToolchainFile}
	}

	if runArgs.FromGithubRun != 0 {
		return toolchain.NewGithubSource(githubClt, config.Server.ToolchainFile)
	}

	return &toolchain.FileSource{Path: config.Server.ToolchainFile}
}

func pushMetrics(config *cfg.Config) {
	if config.MetricsPushgatewayURL == "" {
		return
	}

	err := push.New(config.MetricsPushgatewayURL, pushgatewayJobName).
		Gatherer(nightlysync.Registry).
		Push()
	if err != nil {
		logger.Warn(
			"pushing metrics to pushgateway failed",
			logfields.Event("metrics_push_failed"),
			zap.String("pushgateway_url", config.MetricsPushgatewayURL),
			zap.Error(err),
		)
		return
	}

	logger.Debug("metrics pushed to pushgateway", logfields.Event("metrics_pushed"))
}
