// Package gitcli provides typed access to the git command line client.
// All commands run against a specific repository directory via "git -C".
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

const loggerName = "git"

// DefaultCommandTimeout is the maximum duration of a single git command.
const DefaultCommandTimeout = 10 * time.Minute

// CommandError is returned when a git command exits unsuccessfully.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %s (exit code: %d, stderr: %s)",
		FormatCommand(e.Args), e.Err, e.ExitCode, redactURLs(strings.TrimSpace(e.Stderr)))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Output returns stdout and stderr of the failed command.
func (e *CommandError) Output() string {
	return e.Stdout + e.Stderr
}

// Repository represents a git repository at a specific directory.
type Repository struct {
	dir     string
	env     []string
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithEnv appends environment variables to the environment of all git
// commands, e.g. GIT_COMMITTER_NAME.
func WithEnv(env ...string) Option {
	return func(r *Repository) {
		r.env = append(r.env, env...)
	}
}

// WithTimeout sets the maximum execution time of a single git command.
func WithTimeout(d time.Duration) Option {
	return func(r *Repository) {
		r.timeout = d
	}
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string, opts ...Option) *Repository {
	r := Repository{
		dir:     dir,
		timeout: DefaultCommandTimeout,
	}

	for _, o := range opts {
		o(&r)
	}

	if r.logger == nil {
		r.logger = zap.L().Named(loggerName).With(logfields.WorkDir(dir))
	}

	return &r
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command in the repository and returns its stdout.
// If the command fails a *CommandError is returned.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	return run(ctx, r.logger, r.timeout, r.env, append([]string{"-C", r.dir}, args...))
}

func run(ctx context.Context, logger *zap.Logger, timeout time.Duration, env, args []string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// never prompt for credentials, fail instead
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)

	start := time.Now()
	err := cmd.Run()

	logger = logger.With(
		zap.String("git.command", FormatCommand(args)),
		zap.Duration("duration", time.Since(start)),
	)

	if err != nil {
		cmdErr := CommandError{
			Args:   args,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}

		logger.Debug(
			"git command failed",
			logfields.Event("git_command_failed"),
			zap.Int("exit_code", cmdErr.ExitCode),
			zap.String("stderr", redactURLs(strings.TrimSpace(cmdErr.Stderr))),
		)

		return cmdErr.Stdout, &cmdErr
	}

	logger.Debug("git command executed", logfields.Event("git_command_executed"))

	return stdout.String(), nil
}

// Clone clones url into dir and returns a Repository for it.
func Clone(ctx context.Context, url, dir string, opts ...Option) (*Repository, error) {
	repo := NewRepository(dir, opts...)

	_, err := run(ctx, repo.logger, repo.timeout, repo.env, []string{"clone", "--no-tags", url, dir})
	if err != nil {
		return nil, err
	}

	return repo, nil
}

// RevParse resolves rev to a commit id.
func (r *Repository) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// LsRemoteRef returns the object id the ref points to on remote.
// If the ref does not exist on the remote, an empty string and no error is
// returned.
func (r *Repository) LsRemoteRef(ctx context.Context, remote, ref string) (string, error) {
	out, err := r.Run(ctx, "ls-remote", "--refs", remote, ref)
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}

		if fields[1] == ref {
			return fields[0], nil
		}
	}

	return "", nil
}

// CreateTag creates a lightweight tag pointing to commit.
func (r *Repository) CreateTag(ctx context.Context, name, commit string) error {
	_, err := r.Run(ctx, "tag", name, commit)
	return err
}

// PushRef pushes src to the ref dst on remote without forcing.
func (r *Repository) PushRef(ctx context.Context, remote, src, dst string) error {
	_, err := r.Run(ctx, "push", "--porcelain", remote, src+":"+dst)
	return err
}

// FetchTags fetches all tags from remote.
func (r *Repository) FetchTags(ctx context.Context, remote string) error {
	_, err := r.Run(ctx, "fetch", "--tags", "--force", remote)
	return err
}

// FetchAll fetches all branches of remote according to its configured
// refspecs.
func (r *Repository) FetchAll(ctx context.Context, remote string) error {
	_, err := r.Run(ctx, "fetch", remote)
	return err
}

// Fetch fetches branch from remote.
func (r *Repository) Fetch(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "fetch", remote, branch)
	return err
}

// CheckoutRemoteBranch checks out branch and resets it to the state of
// remote/branch.
func (r *Repository) CheckoutRemoteBranch(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "checkout", "-B", branch, remote+"/"+branch)
	return err
}

// IsAncestor returns true if ancestor is an ancestor of (or the same commit
// as) rev.
func (r *Repository) IsAncestor(ctx context.Context, ancestor, rev string) (bool, error) {
	_, err := r.Run(ctx, "merge-base", "--is-ancestor", ancestor, rev)
	if err == nil {
		return true, nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
		return false, nil
	}

	return false, err
}

// MergeOptions configures Repository.Merge.
type MergeOptions struct {
	// StrategyOption is passed as --strategy-option, e.g. "ours".
	StrategyOption string
	// AllowUnrelatedHistories allows merging histories without a common
	// ancestor.
	AllowUnrelatedHistories bool
	Message                 string
}

// Merge merges rev into the checked out branch.
// The combined stdout and stderr output is returned, also on error.
func (r *Repository) Merge(ctx context.Context, rev string, opts MergeOptions) (string, error) {
	args := []string{"merge", "--no-edit"}

	if opts.StrategyOption != "" {
		args = append(args, "--strategy-option", opts.StrategyOption)
	}

	if opts.AllowUnrelatedHistories {
		args = append(args, "--allow-unrelated-histories")
	}

	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}

	args = append(args, rev)

	out, err := r.Run(ctx, args...)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return cmdErr.Output(), err
		}

		return out, err
	}

	return out, nil
}

// MergeAbort aborts an in-progress merge.
func (r *Repository) MergeAbort(ctx context.Context) error {
	_, err := r.Run(ctx, "merge", "--abort")
	return err
}

// Push pushes the local branch to the branch with the same name on remote.
func (r *Repository) Push(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "push", "--porcelain", remote, "refs/heads/"+branch+":refs/heads/"+branch)
	return err
}

// EnsureRemote adds a remote with the given url. If it already exists, its
// url is updated.
func (r *Repository) EnsureRemote(ctx context.Context, name, url string) error {
	out, err := r.Run(ctx, "remote")
	if err != nil {
		return err
	}

	for _, existing := range strings.Fields(out) {
		if existing == name {
			_, err := r.Run(ctx, "remote", "set-url", name, url)
			return err
		}
	}

	_, err = r.Run(ctx, "remote", "add", name, url)
	return err
}

// IsAlreadyExistsRejection returns true if err is a push rejection because
// the pushed ref already exists on the remote.
func IsAlreadyExistsRejection(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}

	out := cmdErr.Output()

	return strings.Contains(out, "[rejected]") && strings.Contains(out, "already exists")
}

// IsAlreadyUpToDate returns true if the output of a git merge command
// reports that there was nothing to merge.
func IsAlreadyUpToDate(mergeOutput string) bool {
	out := strings.ToLower(mergeOutput)

	return strings.Contains(out, "already up to date") ||
		strings.Contains(out, "already up-to-date") ||
		strings.Contains(out, "nothing to merge")
}

// FormatCommand returns a shell-quoted representation of git arguments with
// credentials in URLs redacted.
func FormatCommand(args []string) string {
	redacted := make([]string, 0, len(args))
	for _, a := range args {
		redacted = append(redacted, redactURLs(a))
	}

	return shellquote.Join(redacted...)
}

// redactURLs replaces the user info of URLs contained in str.
func redactURLs(str string) string {
	fields := strings.Fields(str)
	for _, f := range fields {
		u, err := url.Parse(f)
		if err != nil || u.User == nil || u.Host == "" {
			continue
		}

		u.User = url.User("***")
		str = strings.ReplaceAll(str, f, u.String())
	}

	return str
}
