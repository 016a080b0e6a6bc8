// Package ci defines the verdict of a completed CI run.
package ci

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

// DefaultServerURL is the URL of the GitHub server used to build run links.
const DefaultServerURL = "https://github.com"

type Outcome uint8

const (
	OutcomeUndefined Outcome = iota
	Success
	Failure
)

var outcomeStrings = [...]string{
	OutcomeUndefined: "undefined",
	Success:          "success",
	Failure:          "failure",
}

func (o Outcome) String() string {
	if int(o) > len(outcomeStrings)-1 {
		return fmt.Sprintf("unsupported Outcome value: %d", o)
	}

	return outcomeStrings[o]
}

// ParseOutcome converts a string to an Outcome, the comparison is
// case-insensitive.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return Success, nil
	case "failure":
		return Failure, nil
	default:
		return OutcomeUndefined, fmt.Errorf("unsupported outcome: %q, must be success or failure", s)
	}
}

// Verdict is the outcome of a completed CI run.
type Verdict struct {
	Outcome Outcome
	// Branch is the branch the run executed against.
	Branch string
	RunID  string
	// Repository is the full name (owner/name) of the repository the run
	// belongs to.
	Repository string
	// HeadSHA is the commit the run executed against, it is optional.
	HeadSHA string
}

// Validate returns an error if a mandatory field is unset.
func (v *Verdict) Validate() error {
	var errs []error

	if v.Outcome != Success && v.Outcome != Failure {
		errs = append(errs, errors.New("outcome must be success or failure"))
	}

	if v.Branch == "" {
		errs = append(errs, errors.New("branch is empty"))
	}

	if v.RunID == "" {
		errs = append(errs, errors.New("run id is empty"))
	}

	if v.Repository == "" {
		errs = append(errs, errors.New("repository is empty"))
	}

	return errors.Join(errs...)
}

// RunURL returns the link to the run on the GitHub web interface.
func (v *Verdict) RunURL(serverURL string) string {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	return fmt.Sprintf("%s/%s/actions/runs/%s", strings.TrimSuffix(serverURL, "/"), v.Repository, v.RunID)
}

func (v *Verdict) String() string {
	return fmt.Sprintf("%s run %s of %s on branch %s", v.Outcome, v.RunID, v.Repository, v.Branch)
}

func (v *Verdict) LogFields() []zap.Field {
	fields := []zap.Field{
		logfields.Outcome(v.Outcome.String()),
		logfields.Branch(v.Branch),
		logfields.RunID(v.RunID),
		logfields.Repository(v.Repository),
	}

	if v.HeadSHA != "" {
		fields = append(fields, logfields.Commit(v.HeadSHA))
	}

	return fields
}
