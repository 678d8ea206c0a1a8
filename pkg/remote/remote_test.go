package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

func testRemoteConfig(apiURL string) config.RemoteConfig {
	return config.RemoteConfig{
		Provider:       config.ProviderGitHub,
		Owner:          "acme",
		Repo:           "agent",
		Token:          "secret-token",
		APIURL:         apiURL,
		PushAttempts:   3,
		PushBackoff:    time.Millisecond,
		CIPollAttempts: 3,
		CIPollInterval: time.Millisecond,
	}
}

func newTestGitHub(t *testing.T, handler http.HandlerFunc) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gh, err := NewGitHub(testRemoteConfig(srv.URL), nil, logging.Discard())
	require.NoError(t, err)
	return gh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestOpenPullRequestCreates(t *testing.T) {
	gh := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/agent/pulls", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, githubAPIVersion, r.Header.Get("X-GitHub-Api-Version"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "proposal/p1_feat_add_x", body["head"])
		assert.Equal(t, "main", body["base"])
		assert.Equal(t, "feat: add X", body["title"])

		writeJSON(w, http.StatusCreated, map[string]any{"number": 7, "html_url": "https://github.com/acme/agent/pull/7"})
	})

	pr, err := gh.OpenPullRequest(context.Background(), "proposal/p1_feat_add_x", "main", "feat: add X", "body")
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.com/acme/agent/pull/7", pr.URL)
	assert.False(t, pr.Existing)
}

func TestOpenPullRequestReusesExisting(t *testing.T) {
	gh := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": "Validation Failed",
				"errors": []map[string]string{
					{"resource": "PullRequest", "code": "custom", "message": "A pull request already exists for acme:proposal/p1_x."},
				},
			})
		case http.MethodGet:
			assert.Equal(t, "acme:proposal/p1_x", r.URL.Query().Get("head"))
			assert.Equal(t, "open", r.URL.Query().Get("state"))
			writeJSON(w, http.StatusOK, []map[string]any{{"number": 3, "html_url": "https://github.com/acme/agent/pull/3"}})
		}
	})

	pr, err := gh.OpenPullRequest(context.Background(), "proposal/p1_x", "main", "x", "")
	require.NoError(t, err)
	assert.Equal(t, 3, pr.Number)
	assert.True(t, pr.Existing)
}

func TestOpenPullRequestRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	gh := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "Server Error"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"number": 9, "html_url": "u"})
	})

	pr, err := gh.OpenPullRequest(context.Background(), "b", "main", "t", "")
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Number)
	assert.Equal(t, 3, calls)
}

func TestOpenPullRequestSurfacesAuthFailure(t *testing.T) {
	calls := 0
	gh := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
	})

	_, err := gh.OpenPullRequest(context.Background(), "b", "main", "t", "")
	require.Error(t, err)

	var apiErr *RemoteAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, "Bad credentials", apiErr.Message)
	assert.False(t, apiErr.Transient)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, calls, "permanent failures are not retried")
}

func TestRateLimitIsTransient(t *testing.T) {
	assert.True(t, transientStatus(403, "API rate limit exceeded for installation"))
	assert.True(t, transientStatus(429, ""))
	assert.True(t, transientStatus(503, ""))
	assert.False(t, transientStatus(403, "Resource not accessible by integration"))
	assert.False(t, transientStatus(404, "Not Found"))
}

func TestGetCIStatus(t *testing.T) {
	tests := []struct {
		name      string
		mergeable string
		combined  map[string]any
		runs      []map[string]string
		want      CIStatus
	}{
		{
			name:     "no checks at all",
			combined: map[string]any{"state": "pending", "total_count": 0},
			want:     CISuccess,
		},
		{
			name:     "all green",
			combined: map[string]any{"state": "success", "total_count": 1},
			runs:     []map[string]string{{"name": "test", "status": "completed", "conclusion": "success"}},
			want:     CISuccess,
		},
		{
			name:     "check run in progress",
			combined: map[string]any{"state": "success", "total_count": 1},
			runs:     []map[string]string{{"name": "test", "status": "in_progress"}},
			want:     CIPending,
		},
		{
			name:     "failure outranks pending",
			combined: map[string]any{"state": "pending", "total_count": 2},
			runs:     []map[string]string{{"name": "lint", "status": "completed", "conclusion": "failure"}},
			want:     CIFailure,
		},
		{
			name:     "commit status error",
			combined: map[string]any{"state": "error", "total_count": 1},
			want:     CIError,
		},
		{
			name:      "merge conflicts",
			mergeable: "dirty",
			combined:  map[string]any{"state": "success", "total_count": 1},
			want:      CIFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gh := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.URL.Path == "/repos/acme/agent/pulls/7":
					writeJSON(w, http.StatusOK, map[string]any{
						"number": 7, "mergeable_state": tt.mergeable, "head": map[string]string{"sha": "abc123"},
					})
				case r.URL.Path == "/repos/acme/agent/commits/abc123/status":
					writeJSON(w, http.StatusOK, tt.combined)
				case r.URL.Path == "/repos/acme/agent/commits/abc123/check-runs":
					runs := tt.runs
					if runs == nil {
						runs = []map[string]string{}
					}
					writeJSON(w, http.StatusOK, map[string]any{"total_count": len(runs), "check_runs": runs})
				default:
					http.NotFound(w, r)
				}
			})

			status, err := gh.GetCIStatus(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(4, 100*time.Millisecond, logging.Discard())
	assert.Equal(t, 100*time.Millisecond, b.delay(1))
	assert.Equal(t, 200*time.Millisecond, b.delay(2))
	assert.Equal(t, 400*time.Millisecond, b.delay(3))
	assert.Equal(t, maxBackoff, b.delay(20))

	var slept []time.Duration
	b.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := b.do(context.Background(), "op", func() error {
		calls++
		return &RemoteAPIError{Op: "op", StatusCode: 503, Transient: true}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "bounded by attempts")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, slept)

	calls = 0
	err = b.do(context.Background(), "op", func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

type flakyPusher struct {
	failures int
	calls    int
}

func (p *flakyPusher) PushBranch(ctx context.Context, branch string) error {
	p.calls++
	if p.calls <= p.failures {
		return fmt.Errorf("git push failed: could not resolve host")
	}
	return nil
}

func TestPushBranchRetries(t *testing.T) {
	pusher := &flakyPusher{failures: 2}
	gh, err := NewGitHub(testRemoteConfig("http://unused"), pusher, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, gh.PushBranch(context.Background(), "proposal/p1_x"))
	assert.Equal(t, 3, pusher.calls)

	pusher = &flakyPusher{failures: 5}
	gh.pusher = pusher
	err = gh.PushBranch(context.Background(), "proposal/p1_x")
	require.Error(t, err)
	assert.Equal(t, 3, pusher.calls)

	var apiErr *RemoteAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "push", apiErr.Op)
}

// mockPublisher is a testify mock of Publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Name() string { return "mock" }

func (m *mockPublisher) PushBranch(ctx context.Context, branch string) error {
	return m.Called(ctx, branch).Error(0)
}

func (m *mockPublisher) OpenPullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error) {
	args := m.Called(ctx, head, base, title, body)
	pr, _ := args.Get(0).(*PullRequest)
	return pr, args.Error(1)
}

func (m *mockPublisher) GetCIStatus(ctx context.Context, number int) (CIStatus, error) {
	args := m.Called(ctx, number)
	return args.Get(0).(CIStatus), args.Error(1)
}

func TestWaitForCI(t *testing.T) {
	ctx := context.Background()

	t.Run("pending then success", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("GetCIStatus", ctx, 7).Return(CIPending, nil).Twice()
		pub.On("GetCIStatus", ctx, 7).Return(CISuccess, nil).Once()

		status, err := WaitForCI(ctx, pub, 7, 5, time.Millisecond, logging.Discard())
		require.NoError(t, err)
		assert.Equal(t, CISuccess, status)
		pub.AssertNumberOfCalls(t, "GetCIStatus", 3)
	})

	t.Run("still pending after ceiling", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("GetCIStatus", ctx, 7).Return(CIPending, nil)

		status, err := WaitForCI(ctx, pub, 7, 3, time.Millisecond, logging.Discard())
		require.NoError(t, err)
		assert.Equal(t, CIPending, status)
		pub.AssertNumberOfCalls(t, "GetCIStatus", 3)
	})

	t.Run("transient errors keep polling", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("GetCIStatus", ctx, 7).Return(CIStatus(""), &RemoteAPIError{Op: "status", StatusCode: 502, Transient: true}).Once()
		pub.On("GetCIStatus", ctx, 7).Return(CIFailure, nil).Once()

		status, err := WaitForCI(ctx, pub, 7, 3, time.Millisecond, logging.Discard())
		require.NoError(t, err)
		assert.Equal(t, CIFailure, status)
	})

	t.Run("permanent error surfaces", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("GetCIStatus", ctx, 7).Return(CIStatus(""), &RemoteAPIError{Op: "status", StatusCode: 401})

		_, err := WaitForCI(ctx, pub, 7, 3, time.Millisecond, logging.Discard())
		assert.True(t, IsUnauthorized(err))
		pub.AssertNumberOfCalls(t, "GetCIStatus", 1)
	})
}

func newTestGHCLI(run runner) *GHCLI {
	return &GHCLI{
		dir:    "/repo",
		retry:  newBackoff(2, time.Millisecond, logging.Discard()),
		run:    run,
		logger: logging.Discard(),
	}
}

func TestGHCLIOpenPullRequest(t *testing.T) {
	var commands []string
	g := newTestGHCLI(func(ctx context.Context, dir, name string, args ...string) (string, string, error) {
		commands = append(commands, strings.Join(args[:2], " "))
		switch args[1] {
		case "create":
			return "", "a pull request for branch \"proposal/p1_x\" into branch \"main\" already exists", errors.New("exit status 1")
		case "view":
			assert.Equal(t, "proposal/p1_x", args[2])
			return `{"number": 12, "url": "https://github.com/acme/agent/pull/12"}`, "", nil
		}
		return "", "", errors.New("unexpected")
	})

	pr, err := g.OpenPullRequest(context.Background(), "proposal/p1_x", "main", "x", "")
	require.NoError(t, err)
	assert.Equal(t, 12, pr.Number)
	assert.True(t, pr.Existing)
	assert.Equal(t, []string{"pr create", "pr view"}, commands)
}

func TestGHCLIAuthFailure(t *testing.T) {
	g := newTestGHCLI(func(ctx context.Context, dir, name string, args ...string) (string, string, error) {
		return "", "To get started with GitHub CLI, please run:  gh auth login", errors.New("exit status 4")
	})

	_, err := g.OpenPullRequest(context.Background(), "b", "main", "x", "")
	assert.True(t, IsUnauthorized(err))
}

func TestGHCLIGetCIStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   CIStatus
	}{
		{"empty rollup", `{"mergeStateStatus":"CLEAN","statusCheckRollup":[]}`, CISuccess},
		{"dirty", `{"mergeStateStatus":"DIRTY","statusCheckRollup":[]}`, CIFailure},
		{"running check", `{"mergeStateStatus":"BLOCKED","statusCheckRollup":[{"status":"IN_PROGRESS","conclusion":""}]}`, CIPending},
		{"failed status context", `{"mergeStateStatus":"CLEAN","statusCheckRollup":[{"state":"FAILURE"},{"status":"COMPLETED","conclusion":"SUCCESS"}]}`, CIFailure},
		{"all passed", `{"mergeStateStatus":"CLEAN","statusCheckRollup":[{"state":"SUCCESS"},{"status":"COMPLETED","conclusion":"NEUTRAL"}]}`, CISuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGHCLI(func(ctx context.Context, dir, name string, args ...string) (string, string, error) {
				assert.Equal(t, []string{"pr", "view", "7", "--json", "mergeStateStatus,statusCheckRollup"}, args)
				return tt.output, "", nil
			})
			status, err := g.GetCIStatus(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestSelect(t *testing.T) {
	cfg := testRemoteConfig("http://unused")

	cfg.Provider = config.ProviderNone
	pub, err := Select(cfg, nil, t.TempDir(), logging.Discard())
	assert.ErrorIs(t, err, ErrNoPublisher)
	assert.Nil(t, pub)

	cfg.Provider = config.ProviderGitHub
	pub, err = Select(cfg, nil, t.TempDir(), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, config.ProviderGitHub, pub.Name())

	cfg.Provider = config.ProviderAuto
	pub, err = Select(cfg, nil, t.TempDir(), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, config.ProviderGitHub, pub.Name(), "auto prefers REST when a token is configured")

	cfg.Provider = config.ProviderGitHub
	cfg.Token = ""
	_, err = Select(cfg, nil, t.TempDir(), logging.Discard())
	assert.Error(t, err)

	cfg.Provider = "gitlab"
	_, err = Select(cfg, nil, t.TempDir(), logging.Discard())
	assert.Error(t, err)
}
