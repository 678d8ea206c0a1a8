package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

// githubAPIVersion pins the REST API version
const githubAPIVersion = "2022-11-28"

// GitHub publishes through the GitHub REST API
type GitHub struct {
	baseURL string
	owner   string
	repo    string
	token   string
	client  *http.Client
	pusher  Pusher
	retry   backoff
	logger  *logging.Logger
}

// NewGitHub creates a REST publisher. Owner, repo and token are required.
func NewGitHub(cfg config.RemoteConfig, pusher Pusher, logger *logging.Logger) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github publisher requires owner and repo")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github publisher requires a token")
	}
	baseURL := cfg.APIURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHub{
		baseURL: strings.TrimRight(baseURL, "/"),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		token:   cfg.Token,
		client:  &http.Client{Timeout: 30 * time.Second},
		pusher:  pusher,
		retry:   newBackoff(cfg.PushAttempts, cfg.PushBackoff, logger),
		logger:  logger,
	}, nil
}

// Name returns "github"
func (g *GitHub) Name() string {
	return config.ProviderGitHub
}

// PushBranch pushes with git, retrying with backoff
func (g *GitHub) PushBranch(ctx context.Context, branch string) error {
	return pushWithRetry(ctx, g.retry, g.pusher, branch)
}

type pullRequestJSON struct {
	Number         int    `json:"number"`
	HTMLURL        string `json:"html_url"`
	MergeableState string `json:"mergeable_state"`
	Head           struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
}

// OpenPullRequest creates the pull request or returns the open one for the same head and base
func (g *GitHub) OpenPullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error) {
	request := map[string]string{"title": title, "head": head, "base": base, "body": body}

	var created pullRequestJSON
	err := g.retry.do(ctx, "open pull request", func() error {
		return g.do(ctx, "open pull request", http.MethodPost, g.repoPath("/pulls"), request, &created)
	})
	if err == nil {
		g.logger.Infof("opened PR #%d for %s: %s", created.Number, head, created.HTMLURL)
		return &PullRequest{Number: created.Number, URL: created.HTMLURL}, nil
	}

	if !alreadyExists(err) {
		return nil, err
	}

	existing, findErr := g.findOpen(ctx, head, base)
	if findErr != nil {
		return nil, findErr
	}
	if existing == nil {
		return nil, err
	}
	g.logger.Infof("reusing open PR #%d for %s", existing.Number, head)
	return existing, nil
}

func (g *GitHub) findOpen(ctx context.Context, head, base string) (*PullRequest, error) {
	query := url.Values{}
	query.Set("state", "open")
	query.Set("head", g.owner+":"+head)
	query.Set("base", base)

	var pulls []pullRequestJSON
	err := g.retry.do(ctx, "find pull request", func() error {
		return g.do(ctx, "find pull request", http.MethodGet, g.repoPath("/pulls?"+query.Encode()), nil, &pulls)
	})
	if err != nil {
		return nil, err
	}
	if len(pulls) == 0 {
		return nil, nil
	}
	return &PullRequest{Number: pulls[0].Number, URL: pulls[0].HTMLURL, Existing: true}, nil
}

type combinedStatusJSON struct {
	State      string `json:"state"`
	TotalCount int    `json:"total_count"`
}

type checkRunJSON struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

type checkRunsJSON struct {
	TotalCount int            `json:"total_count"`
	CheckRuns  []checkRunJSON `json:"check_runs"`
}

// GetCIStatus combines the commit statuses and check runs of the PR head.
// A head with no checks at all is a success; an unmergeable PR is a failure.
func (g *GitHub) GetCIStatus(ctx context.Context, number int) (CIStatus, error) {
	var pr pullRequestJSON
	err := g.retry.do(ctx, "get pull request", func() error {
		return g.do(ctx, "get pull request", http.MethodGet, g.repoPath(fmt.Sprintf("/pulls/%d", number)), nil, &pr)
	})
	if err != nil {
		return "", err
	}
	if pr.MergeableState == "dirty" {
		g.logger.Warnf("PR #%d has merge conflicts", number)
		return CIFailure, nil
	}

	var combined combinedStatusJSON
	err = g.retry.do(ctx, "get commit status", func() error {
		return g.do(ctx, "get commit status", http.MethodGet, g.repoPath("/commits/"+pr.Head.SHA+"/status"), nil, &combined)
	})
	if err != nil {
		return "", err
	}

	var runs checkRunsJSON
	err = g.retry.do(ctx, "list check runs", func() error {
		return g.do(ctx, "list check runs", http.MethodGet, g.repoPath("/commits/"+pr.Head.SHA+"/check-runs"), nil, &runs)
	})
	if err != nil {
		return "", err
	}

	states := lo.Map(runs.CheckRuns, func(run checkRunJSON, _ int) CIStatus {
		return checkRunStatus(run.Status, run.Conclusion)
	})
	// Without any statuses the combined state reads pending forever
	if combined.TotalCount > 0 {
		states = append(states, commitStatus(combined.State))
	}
	return combine(states...), nil
}

func checkRunStatus(status, conclusion string) CIStatus {
	if status != "completed" {
		return CIPending
	}
	switch conclusion {
	case "success", "neutral", "skipped":
		return CISuccess
	case "failure", "timed_out", "cancelled", "action_required":
		return CIFailure
	default:
		return CIError
	}
}

func commitStatus(state string) CIStatus {
	switch state {
	case "success":
		return CISuccess
	case "pending":
		return CIPending
	case "failure":
		return CIFailure
	default:
		return CIError
	}
}

func (g *GitHub) repoPath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s%s", url.PathEscape(g.owner), url.PathEscape(g.repo), suffix)
}

type apiErrorJSON struct {
	Message string `json:"message"`
	Errors  []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"errors"`
}

// do sends one authenticated request and decodes a 2xx body into out
func (g *GitHub) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	g.logger.Debugf("github %s %s", method, path)
	resp, err := g.client.Do(req)
	if err != nil {
		return &RemoteAPIError{Op: op, Transient: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &RemoteAPIError{Op: op, StatusCode: resp.StatusCode, Transient: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrorJSON
		_ = json.Unmarshal(data, &apiErr)
		message := apiErr.Message
		for _, e := range apiErr.Errors {
			detail := e.Message
			if detail == "" {
				detail = e.Code
			}
			message += "; " + detail
		}
		return &RemoteAPIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    message,
			Transient:  transientStatus(resp.StatusCode, message),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", op, err)
		}
	}
	return nil
}

// alreadyExists reports a 422 saying a pull request for the branch exists
func alreadyExists(err error) bool {
	var apiErr *RemoteAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}
