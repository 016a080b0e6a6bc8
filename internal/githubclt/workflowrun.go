package githubclt

import (
	"context"
	"fmt"
)

// CIStatus abstracts the conclusion values of a GitHub Actions workflow run
// into a single value.
type CIStatus string

const (
	CIStatusSuccess CIStatus = "SUCCESS"
	CIStatusPending CIStatus = "PENDING"
	CIStatusFailure CIStatus = "FAILURE"
	// CIStatusIgnored is the status of runs that neither succeeded nor
	// failed, e.g. because they were cancelled or skipped.
	CIStatusIgnored CIStatus = "IGNORED"
)

// WorkflowRun describes a GitHub Actions workflow run.
type WorkflowRun struct {
	ID         int64
	Repository string
	HeadBranch string
	HeadSHA    string
	HTMLURL    string
	Status     CIStatus
}

// WorkflowRun returns the workflow run with the given id.
func (clt *Client) WorkflowRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRun, error) {
	run, _, err := clt.restClt.Actions.GetWorkflowRunByID(ctx, owner, repo, runID)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	status, err := RunStatusToCIStatus(run.GetStatus(), run.GetConclusion())
	if err != nil {
		return nil, fmt.Errorf("converting workflow run %d status failed: %w", runID, err)
	}

	fullName := run.GetRepository().GetFullName()
	if fullName == "" {
		fullName = owner + "/" + repo
	}

	return &WorkflowRun{
		ID:         run.GetID(),
		Repository: fullName,
		HeadBranch: run.GetHeadBranch(),
		HeadSHA:    run.GetHeadSHA(),
		HTMLURL:    run.GetHTMLURL(),
		Status:     status,
	}, nil
}

// RunStatusToCIStatus converts the status and conclusion fields of a
// workflow run to a CIStatus.
func RunStatusToCIStatus(status, conclusion string) (CIStatus, error) {
	switch status {
	case "queued", "in_progress", "requested", "waiting", "pending":
		return CIStatusPending, nil

	case "completed":
		return conclusionToCIStatus(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func conclusionToCIStatus(conclusion string) (CIStatus, error) {
	switch conclusion {
	case "failure", "timed_out", "startup_failure":
		return CIStatusFailure, nil

	case "success":
		return CIStatusSuccess, nil

	case "action_required":
		return CIStatusPending, nil

	case "cancelled", "neutral", "skipped", "stale":
		return CIStatusIgnored, nil

	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}
