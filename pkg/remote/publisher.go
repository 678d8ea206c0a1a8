// Package remote publishes proposal branches to the hosting service: it
// pushes them, opens pull requests and reads CI status. The implementation
// is picked once at startup by Select.
package remote

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

// CIStatus is the aggregated state of a pull request's checks
type CIStatus string

const (
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
	CIError   CIStatus = "error"
	CIPending CIStatus = "pending"
)

// PullRequest identifies an opened pull request
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	// Existing is set when an open pull request for the same head and base was reused
	Existing bool `json:"existing"`
}

// Publisher talks to the hosting service
type Publisher interface {
	// Name identifies the implementation in logs
	Name() string

	// PushBranch pushes a local branch, retrying transient failures
	PushBranch(ctx context.Context, branch string) error

	// OpenPullRequest opens a pull request from head into base. If one is
	// already open for the pair it is returned instead.
	OpenPullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error)

	// GetCIStatus returns the current aggregated check state of a pull request
	GetCIStatus(ctx context.Context, number int) (CIStatus, error)
}

// Pusher pushes branches with git. *repo.Repository satisfies it.
type Pusher interface {
	PushBranch(ctx context.Context, branch string) error
}

// pushWithRetry pushes through pusher, treating every push failure as a
// possibly transient network problem
func pushWithRetry(ctx context.Context, b backoff, pusher Pusher, branch string) error {
	return b.do(ctx, "push "+branch, func() error {
		if err := pusher.PushBranch(ctx, branch); err != nil {
			return &RemoteAPIError{Op: "push", Transient: ctx.Err() == nil, Err: err}
		}
		return nil
	})
}

// Select picks the publisher implementation for cfg.Provider. With the auto
// provider the REST client is preferred when a token and repository are
// configured, then the gh CLI when it is installed. ErrNoPublisher means
// pull requests are disabled.
func Select(cfg config.RemoteConfig, pusher Pusher, workDir string, logger *logging.Logger) (Publisher, error) {
	switch cfg.Provider {
	case config.ProviderNone:
		return nil, ErrNoPublisher
	case config.ProviderGitHub:
		return NewGitHub(cfg, pusher, logger)
	case config.ProviderGH:
		return NewGHCLI(cfg, pusher, workDir, logger)
	case config.ProviderAuto, "":
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Provider)
	}

	if cfg.Token != "" && cfg.Owner != "" && cfg.Repo != "" {
		pub, err := NewGitHub(cfg, pusher, logger)
		if err == nil {
			logger.Infof("using GitHub REST publisher for %s/%s", cfg.Owner, cfg.Repo)
			return pub, nil
		}
		logger.Warnf("GitHub REST publisher unavailable: %v", err)
	}
	if _, err := exec.LookPath(ghBinary); err == nil {
		pub, err := NewGHCLI(cfg, pusher, workDir, logger)
		if err == nil {
			logger.Infof("using gh CLI publisher")
			return pub, nil
		}
		logger.Warnf("gh CLI publisher unavailable: %v", err)
	}

	logger.Infof("no remote publisher configured; pull requests disabled")
	return nil, ErrNoPublisher
}

// WaitForCI polls GetCIStatus while it reports pending, at most attempts
// times interval apart. Transient errors count as a pending poll. The last
// observed status is returned when the attempts run out.
func WaitForCI(ctx context.Context, pub Publisher, number, attempts int, interval time.Duration, logger *logging.Logger) (CIStatus, error) {
	if attempts <= 0 {
		attempts = 1
	}
	status := CIPending
	for attempt := 1; attempt <= attempts; attempt++ {
		current, err := pub.GetCIStatus(ctx, number)
		switch {
		case err != nil && !IsTransient(err):
			return "", err
		case err != nil:
			logger.Warnf("CI status for PR #%d attempt %d/%d: %v", number, attempt, attempts, err)
		default:
			status = current
			logger.Infof("CI status for PR #%d attempt %d/%d: %s", number, attempt, attempts, status)
			if status != CIPending {
				return status, nil
			}
		}

		if attempt == attempts {
			break
		}
		if err := sleepContext(ctx, interval); err != nil {
			return status, err
		}
	}
	return status, nil
}

// combine folds individual check states: failure outranks error, which
// outranks pending, which outranks success
func combine(states ...CIStatus) CIStatus {
	rank := map[CIStatus]int{CISuccess: 0, CIPending: 1, CIError: 2, CIFailure: 3}
	result := CISuccess
	for _, s := range states {
		if rank[s] > rank[result] {
			result = s
		}
	}
	return result
}
