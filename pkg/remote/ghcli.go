package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

const ghBinary = "gh"

// runner executes a command in dir and returns stdout and stderr
type runner func(ctx context.Context, dir, name string, args ...string) (string, string, error)

func execRunner(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GH_PROMPT_DISABLED=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// GHCLI publishes through the gh command line tool, using whatever
// credentials gh is logged in with
type GHCLI struct {
	dir    string
	pusher Pusher
	retry  backoff
	run    runner
	logger *logging.Logger
}

// NewGHCLI creates a publisher that shells out to gh in workDir
func NewGHCLI(cfg config.RemoteConfig, pusher Pusher, workDir string, logger *logging.Logger) (*GHCLI, error) {
	if _, err := exec.LookPath(ghBinary); err != nil {
		return nil, fmt.Errorf("gh CLI not found: %w", err)
	}
	return &GHCLI{
		dir:    workDir,
		pusher: pusher,
		retry:  newBackoff(cfg.PushAttempts, cfg.PushBackoff, logger),
		run:    execRunner,
		logger: logger,
	}, nil
}

// Name returns "gh"
func (g *GHCLI) Name() string {
	return config.ProviderGH
}

// PushBranch pushes with git, retrying with backoff
func (g *GHCLI) PushBranch(ctx context.Context, branch string) error {
	return pushWithRetry(ctx, g.retry, g.pusher, branch)
}

// OpenPullRequest runs `gh pr create`, falling back to `gh pr view` when a
// pull request for the branch already exists
func (g *GHCLI) OpenPullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error) {
	_, stderr, err := g.run(ctx, g.dir, ghBinary, "pr", "create",
		"--title", title,
		"--body", body,
		"--base", base,
		"--head", head,
	)
	existing := false
	if err != nil {
		if !strings.Contains(stderr, "already exists") {
			return nil, g.cliError("open pull request", stderr, err)
		}
		existing = true
	}

	pr, err := g.view(ctx, head)
	if err != nil {
		return nil, err
	}
	pr.Existing = existing
	g.logger.Infof("PR #%d for %s: %s (existing=%v)", pr.Number, head, pr.URL, existing)
	return pr, nil
}

func (g *GHCLI) view(ctx context.Context, ref string) (*PullRequest, error) {
	var pr PullRequest
	err := g.retry.do(ctx, "view pull request", func() error {
		stdout, stderr, err := g.run(ctx, g.dir, ghBinary, "pr", "view", ref, "--json", "number,url")
		if err != nil {
			return g.cliError("view pull request", stderr, err)
		}
		if err := json.Unmarshal([]byte(stdout), &pr); err != nil {
			return fmt.Errorf("decoding gh pr view output: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

type ghStatusJSON struct {
	MergeStateStatus  string `json:"mergeStateStatus"`
	StatusCheckRollup []struct {
		Status     string `json:"status"`     // check runs
		Conclusion string `json:"conclusion"` // check runs
		State      string `json:"state"`      // commit statuses
	} `json:"statusCheckRollup"`
}

// GetCIStatus reads the status check rollup of the pull request
func (g *GHCLI) GetCIStatus(ctx context.Context, number int) (CIStatus, error) {
	var view ghStatusJSON
	err := g.retry.do(ctx, "get CI status", func() error {
		stdout, stderr, err := g.run(ctx, g.dir, ghBinary, "pr", "view", strconv.Itoa(number),
			"--json", "mergeStateStatus,statusCheckRollup")
		if err != nil {
			return g.cliError("get CI status", stderr, err)
		}
		if err := json.Unmarshal([]byte(stdout), &view); err != nil {
			return fmt.Errorf("decoding gh pr view output: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if view.MergeStateStatus == "DIRTY" {
		return CIFailure, nil
	}

	states := make([]CIStatus, 0, len(view.StatusCheckRollup))
	for _, check := range view.StatusCheckRollup {
		if check.State != "" {
			states = append(states, commitStatus(strings.ToLower(check.State)))
			continue
		}
		states = append(states, checkRunStatus(strings.ToLower(check.Status), strings.ToLower(check.Conclusion)))
	}
	return combine(states...), nil
}

// cliError classifies a gh failure. gh gives no status codes, so the
// message decides whether a retry could help.
func (g *GHCLI) cliError(op, stderr string, err error) error {
	message := strings.TrimSpace(stderr)
	lower := strings.ToLower(message)
	apiErr := &RemoteAPIError{Op: op, Message: message, Err: err}
	switch {
	case strings.Contains(lower, "gh auth login"), strings.Contains(lower, "http 401"):
		apiErr.StatusCode = 401
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"), strings.Contains(lower, "http 5"):
		apiErr.Transient = true
	}
	return apiErr
}
