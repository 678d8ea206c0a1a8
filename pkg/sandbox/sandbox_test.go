package sandbox

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

// fakeRuntime records calls and tracks the images and containers that would
// exist on a real daemon
type fakeRuntime struct {
	mu sync.Mutex

	buildOut string
	buildErr error
	runErr   error
	execOut  string
	execCode int
	execErr  error
	stopErr  error
	panicOn  string

	calls      []string
	lastRun    RunSpec
	lastExec   []string
	images     map[string]bool
	containers map[string]bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		buildOut:   "Step 1/3 : FROM python:3.12\nSuccessfully built abc123",
		execOut:    "5 passed in 0.12s",
		images:     make(map[string]bool),
		containers: make(map[string]bool),
	}
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.panicOn == call {
		panic("runtime exploded")
	}
}

func (f *fakeRuntime) Build(ctx context.Context, contextDir, descriptor, tag string) (string, error) {
	f.record("build")
	if f.buildErr != nil {
		return f.buildOut, f.buildErr
	}
	f.images[tag] = true
	return f.buildOut, nil
}

func (f *fakeRuntime) Run(ctx context.Context, spec RunSpec) (string, string, error) {
	f.record("run")
	f.lastRun = spec
	if f.runErr != nil {
		// The daemon created the container before failing to start it
		f.containers[spec.Name] = true
		return "", "port is already allocated", f.runErr
	}
	f.containers["c0ffee"] = true
	return "c0ffee", "c0ffee\n", nil
}

func (f *fakeRuntime) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	f.record("exec")
	f.lastExec = cmd
	return f.execOut, f.execCode, f.execErr
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) (string, error) {
	f.record("stop")
	return "", f.stopErr
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) (string, error) {
	f.record("rm")
	if !f.containers[containerID] {
		return "No such container", errors.New("exit status 1")
	}
	delete(f.containers, containerID)
	return "", nil
}

func (f *fakeRuntime) RemoveImage(ctx context.Context, tag string) (string, error) {
	f.record("rmi")
	if !f.images[tag] {
		return "No such image", errors.New("exit status 1")
	}
	delete(f.images, tag)
	return "", nil
}

func (f *fakeRuntime) assertClean(t *testing.T) {
	t.Helper()
	assert.Empty(t, f.images, "images left behind")
	assert.Empty(t, f.containers, "containers left behind")
}

func setupWorkingTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.12\n"), 0644))
	return dir
}

func healthServer(t *testing.T, status int) (*httptest.Server, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, srv.Listener.Addr().(*net.TCPAddr).Port
}

func testSandboxConfig(port int) config.SandboxConfig {
	cfg := config.DefaultConfig().Sandbox
	cfg.HostPort = port
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.HealthTimeout = 200 * time.Millisecond
	return cfg
}

func TestValidateSuccess(t *testing.T) {
	_, port := healthServer(t, http.StatusOK)
	rt := newFakeRuntime()
	exec := New(testSandboxConfig(port), rt, logging.Discard())

	passed, log := exec.Validate(context.Background(), setupWorkingTree(t), "prop_abc")

	assert.True(t, passed, log)
	for _, stage := range []Stage{StagePrepare, StageBuild, StageStart, StageHealth, StageTest, StageCleanup} {
		assert.Contains(t, log, "== "+string(stage)+" ==")
	}
	assert.Contains(t, log, "Successfully built abc123")
	assert.Contains(t, log, "HTTP 200 healthy")
	assert.Contains(t, log, "5 passed in 0.12s")
	assert.Contains(t, log, "tests passed")
	assert.Contains(t, log, "removing image")
	assert.Equal(t, []string{"build", "run", "exec", "stop", "rm", "rmi"}, rt.calls)
	assert.Equal(t, []string{"pytest"}, rt.lastExec)

	assert.True(t, rt.lastRun.ReadOnly)
	assert.True(t, rt.lastRun.NoNewPrivileges)
	assert.Equal(t, "512m", rt.lastRun.Memory)
	assert.Equal(t, "1.0", rt.lastRun.CPUs)
	assert.Equal(t, port, rt.lastRun.HostPort)
	assert.Equal(t, 8000, rt.lastRun.ContainerPort)
	assert.True(t, strings.HasPrefix(rt.lastRun.Image, "odyssey-proposal-prop-abc-"))
	rt.assertClean(t)
}

func TestValidateShellTestCommand(t *testing.T) {
	_, port := healthServer(t, http.StatusOK)
	rt := newFakeRuntime()
	cfg := testSandboxConfig(port)
	cfg.TestCommand = `pytest -q -k "not slow" && echo done`
	cfg.TestShell = true

	passed, log := New(cfg, rt, logging.Discard()).Validate(context.Background(), setupWorkingTree(t), "prop_sh")

	assert.True(t, passed, log)
	assert.Equal(t, []string{"sh", "-c", `pytest -q -k "not slow" && echo done`}, rt.lastExec)
	rt.assertClean(t)
}

func TestTestArgs(t *testing.T) {
	tests := []struct {
		name    string
		command string
		shell   bool
		want    []string
	}{
		{"plain", "go test ./...", false, []string{"go", "test", "./..."}},
		{"plain keeps quotes literal", `pytest -k "a b"`, false, []string{"pytest", "-k", `"a`, `b"`}},
		{"shell", `pytest -k "a b"`, true, []string{"sh", "-c", `pytest -k "a b"`}},
		{"shell blank", "  ", true, nil},
		{"plain blank", "", false, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := testArgs(config.SandboxConfig{TestCommand: tt.command, TestShell: tt.shell})
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		setup     func(rt *fakeRuntime)
		wantLog   []string
		wantCalls []string
	}{
		{
			name:   "build fails",
			status: http.StatusOK,
			setup: func(rt *fakeRuntime) {
				rt.buildOut = "ERROR: No matching distribution found for missing-dependency"
				rt.buildErr = errors.New("exit status 1")
			},
			wantLog:   []string{"image build failed", "missing-dependency", "== cleanup =="},
			wantCalls: []string{"build", "rmi"},
		},
		{
			name:      "start fails",
			status:    http.StatusOK,
			setup:     func(rt *fakeRuntime) { rt.runErr = errors.New("exit status 125") },
			wantLog:   []string{"container start failed", "port is already allocated", "removing container"},
			wantCalls: []string{"build", "run", "rm", "rmi"},
		},
		{
			name:      "health times out",
			status:    http.StatusServiceUnavailable,
			wantLog:   []string{"attempt 1/", "HTTP 503", "no healthy response"},
			wantCalls: []string{"build", "run", "stop", "rm", "rmi"},
		},
		{
			name:   "tests fail",
			status: http.StatusOK,
			setup: func(rt *fakeRuntime) {
				rt.execOut = "FAILED test_app.py::test_root"
				rt.execCode = 1
			},
			wantLog:   []string{"exited with code 1", "FAILED test_app.py::test_root"},
			wantCalls: []string{"build", "run", "exec", "stop", "rm", "rmi"},
		},
		{
			name:   "test command cannot run",
			status: http.StatusOK,
			setup: func(rt *fakeRuntime) {
				rt.execCode = -1
				rt.execErr = errors.New("container not running")
			},
			wantLog:   []string{"test command could not run", "container not running"},
			wantCalls: []string{"build", "run", "exec", "stop", "rm", "rmi"},
		},
		{
			name:      "runtime panics",
			status:    http.StatusOK,
			setup:     func(rt *fakeRuntime) { rt.panicOn = "exec" },
			wantLog:   []string{"panic: runtime exploded", "== cleanup =="},
			wantCalls: []string{"build", "run", "exec", "stop", "rm", "rmi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, port := healthServer(t, tt.status)
			rt := newFakeRuntime()
			if tt.setup != nil {
				tt.setup(rt)
			}
			exec := New(testSandboxConfig(port), rt, logging.Discard())

			passed, log := exec.Validate(context.Background(), setupWorkingTree(t), "prop_1")

			assert.False(t, passed)
			for _, want := range tt.wantLog {
				assert.Contains(t, log, want)
			}
			assert.Equal(t, tt.wantCalls, rt.calls)
			rt.assertClean(t)
		})
	}
}

func TestValidateMissingDescriptor(t *testing.T) {
	rt := newFakeRuntime()
	exec := New(testSandboxConfig(0), rt, logging.Discard())

	passed, log := exec.Validate(context.Background(), t.TempDir(), "prop_1")

	assert.False(t, passed)
	assert.Contains(t, log, "missing build descriptor")
	assert.Empty(t, rt.calls, "nothing to build or clean up")
}

func TestCleanupFailureDoesNotChangeResult(t *testing.T) {
	_, port := healthServer(t, http.StatusOK)
	rt := newFakeRuntime()
	rt.stopErr = errors.New("container already stopped")
	exec := New(testSandboxConfig(port), rt, logging.Discard())

	passed, log := exec.Validate(context.Background(), setupWorkingTree(t), "prop_1")

	assert.True(t, passed)
	assert.Contains(t, log, "warning: stopping container c0ffee")
	rt.assertClean(t)
}

func TestCleanupSurvivesCancellation(t *testing.T) {
	_, port := healthServer(t, http.StatusServiceUnavailable)
	rt := newFakeRuntime()
	cfg := testSandboxConfig(port)
	cfg.HealthTimeout = 10 * time.Second
	exec := New(cfg, rt, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	passed, log := exec.Validate(ctx, setupWorkingTree(t), "prop_1")

	assert.False(t, passed)
	assert.Contains(t, log, "health check cancelled")
	rt.assertClean(t)
}

func TestImageTagsAreUnique(t *testing.T) {
	exec := New(testSandboxConfig(0), newFakeRuntime(), logging.Discard())

	a := exec.imageTag("prop_ABC/1")
	b := exec.imageTag("prop_ABC/1")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "odyssey-proposal-prop-abc-1-"), a)
	assert.Regexp(t, `^[a-z0-9.-]+$`, a)
}

func TestRunArgs(t *testing.T) {
	args := runArgs(RunSpec{
		Image:           "odyssey-proposal-p1-abcd",
		Name:            "odyssey-proposal-p1-abcd",
		ContainerPort:   8000,
		HostPort:        18080,
		Memory:          "256m",
		CPUs:            "0.5",
		Network:         "bridge",
		ReadOnly:        true,
		NoNewPrivileges: true,
		Tmpfs:           []string{"/tmp"},
	})

	joined := strings.Join(args, " ")
	assert.Equal(t, "run", args[0])
	assert.Equal(t, "odyssey-proposal-p1-abcd", args[len(args)-1])
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--security-opt no-new-privileges")
	assert.Contains(t, joined, "--memory 256m")
	assert.Contains(t, joined, "--cpus 0.5")
	assert.Contains(t, joined, "--network bridge")
	assert.Contains(t, joined, "--tmpfs /tmp")
	assert.Contains(t, joined, "--publish 127.0.0.1:18080:8000")
}

func TestHealthCheckRecovers(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var lines []string
	logf := func(format string, args ...any) {
		lines = append(lines, format)
	}

	err := healthCheck(context.Background(), srv.Client(), srv.URL, 5*time.Millisecond, time.Second, logf)
	require.NoError(t, err)
	assert.Len(t, lines, 3)
}

func TestHealthCheckAttemptCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	attempts := 0
	err := healthCheck(context.Background(), srv.Client(), srv.URL, 10*time.Millisecond, 50*time.Millisecond,
		func(string, ...any) { attempts++ })

	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 6)
	assert.GreaterOrEqual(t, attempts, 1)
}
