// Package sandbox validates proposal code by building it into a container
// image, starting it with reduced privileges, waiting for its health endpoint
// and running its test command inside it.
//
// A failure at any stage is an expected outcome: Validate reports it as a
// failed result with the full transcript and never returns an error. The
// container and image are removed on every path.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

const cleanupTimeout = 2 * time.Minute

// Executor runs validations against a container runtime
type Executor struct {
	cfg     config.SandboxConfig
	runtime Runtime
	logger  *logging.Logger
	client  *http.Client
	suffix  func() string
}

// New creates an executor
func New(cfg config.SandboxConfig, runtime Runtime, logger *logging.Logger) *Executor {
	return &Executor{
		cfg:     cfg,
		runtime: runtime,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.HealthInterval},
		suffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
}

// run tracks what a validation created so cleanup knows what to remove
type run struct {
	tag          string
	buildStarted bool
	runStarted   bool
	containerID  string
}

// Validate builds and tests the working tree at dir. It returns whether every
// stage passed and the transcript of every stage it reached, including
// cleanup.
func (e *Executor) Validate(ctx context.Context, dir, proposalID string) (passed bool, log string) {
	t := newTranscript()
	r := &run{tag: e.imageTag(proposalID)}

	e.logger.Infof("validating %s in %s (image %s)", proposalID, dir, r.tag)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Errorf("validation of %s panicked: %v", proposalID, rec)
			t.fail(&SandboxError{Stage: StagePrepare, Err: fmt.Errorf("panic: %v", rec)})
			passed = false
		}
		e.cleanup(ctx, t, r)
		log = t.String()
		e.logger.Infof("validation of %s finished in %s passed=%v", proposalID, time.Since(start).Round(time.Millisecond), passed)
	}()

	if err := e.validate(ctx, t, r, dir); err != nil {
		e.logger.Warnf("validation of %s: %v", proposalID, err)
		t.fail(err)
		return false, ""
	}

	t.printf("validation passed")
	return true, ""
}

func (e *Executor) validate(ctx context.Context, t *transcript, r *run, dir string) *SandboxError {
	t.stage(StagePrepare)
	descriptor := e.cfg.BuildDescriptor
	if _, err := os.Stat(filepath.Join(dir, descriptor)); err != nil {
		return &SandboxError{Stage: StagePrepare, Err: fmt.Errorf("missing build descriptor %s", descriptor)}
	}
	t.printf("found build descriptor %s", descriptor)

	t.stage(StageBuild)
	t.printf("building image %s", r.tag)
	buildCtx, cancel := context.WithTimeout(ctx, e.cfg.BuildTimeout)
	r.buildStarted = true
	out, err := e.runtime.Build(buildCtx, dir, descriptor, r.tag)
	cancel()
	if err != nil {
		return &SandboxError{Stage: StageBuild, Output: out, Err: fmt.Errorf("image build failed: %w", err)}
	}
	t.output(out)
	t.printf("image %s built", r.tag)

	t.stage(StageStart)
	hostPort := e.cfg.HostPort
	if hostPort == 0 {
		if hostPort, err = freePort(); err != nil {
			return &SandboxError{Stage: StageStart, Err: err}
		}
	}
	spec := RunSpec{
		Image:           r.tag,
		Name:            r.tag,
		ContainerPort:   e.cfg.ContainerPort,
		HostPort:        hostPort,
		Memory:          e.cfg.MemoryLimit,
		CPUs:            e.cfg.CPULimit,
		Network:         e.cfg.Network,
		ReadOnly:        e.cfg.ReadOnly,
		NoNewPrivileges: e.cfg.NoNewPrivileges,
		Tmpfs:           e.cfg.Tmpfs,
	}
	r.runStarted = true
	id, out, err := e.runtime.Run(ctx, spec)
	if err != nil {
		return &SandboxError{Stage: StageStart, Output: out, Err: fmt.Errorf("container start failed: %w", err)}
	}
	r.containerID = id
	t.printf("container %s started, port %d mapped to 127.0.0.1:%d", id, e.cfg.ContainerPort, hostPort)

	t.stage(StageHealth)
	url := fmt.Sprintf("http://127.0.0.1:%d%s", hostPort, e.cfg.HealthEndpoint)
	t.printf("polling %s every %s for up to %s", url, e.cfg.HealthInterval, e.cfg.HealthTimeout)
	if err := healthCheck(ctx, e.client, url, e.cfg.HealthInterval, e.cfg.HealthTimeout, t.printf); err != nil {
		return &SandboxError{Stage: StageHealth, Err: err}
	}

	t.stage(StageTest)
	cmd := testArgs(e.cfg)
	if len(cmd) == 0 {
		return &SandboxError{Stage: StageTest, Err: fmt.Errorf("empty test command")}
	}
	t.printf("running %s", e.cfg.TestCommand)
	testCtx, cancel := context.WithTimeout(ctx, e.cfg.TestTimeout)
	out, code, err := e.runtime.Exec(testCtx, id, cmd)
	cancel()
	if err != nil {
		return &SandboxError{Stage: StageTest, Output: out, Err: fmt.Errorf("test command could not run: %w", err)}
	}
	if code != 0 {
		return &SandboxError{Stage: StageTest, Output: out, Err: fmt.Errorf("test command exited with code %d", code)}
	}
	t.output(out)
	t.printf("tests passed")
	return nil
}

// cleanup removes whatever the run created. Failures are logged and do not
// change the validation result.
func (e *Executor) cleanup(ctx context.Context, t *transcript, r *run) {
	if !r.buildStarted {
		return
	}
	t.stage(StageCleanup)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	report := func(what string, out string, err error) {
		if err != nil {
			t.printf("warning: %s: %v", what, err)
			t.output(out)
			e.logger.Warnf("sandbox cleanup: %s: %v", what, err)
			return
		}
		t.printf("%s: ok", what)
	}

	switch {
	case r.containerID != "":
		out, err := e.runtime.Stop(ctx, r.containerID)
		report("stopping container "+r.containerID, out, err)
		out, err = e.runtime.Remove(ctx, r.containerID)
		report("removing container "+r.containerID, out, err)
	case r.runStarted:
		// A failed start can still leave a created container behind under our name
		out, err := e.runtime.Remove(ctx, r.tag)
		report("removing container "+r.tag, out, err)
	}

	out, err := e.runtime.RemoveImage(ctx, r.tag)
	report("removing image "+r.tag, out, err)
}

var tagUnsafe = regexp.MustCompile(`[^a-z0-9.-]+`)

// imageTag is unique per run so concurrent validations never share an image
func (e *Executor) imageTag(proposalID string) string {
	prefix := e.cfg.ImagePrefix
	if prefix == "" {
		prefix = "odyssey-proposal"
	}
	id := strings.Trim(tagUnsafe.ReplaceAllString(strings.ToLower(proposalID), "-"), "-.")
	return fmt.Sprintf("%s-%s-%s", prefix, id, e.suffix())
}

// testArgs builds the exec argv for the test stage. The plain form splits on
// whitespace and honours no quoting; test_shell hands the whole command to
// sh -c so pipes, && and quoted arguments work.
func testArgs(cfg config.SandboxConfig) []string {
	if cfg.TestShell {
		if strings.TrimSpace(cfg.TestCommand) == "" {
			return nil
		}
		return []string{"sh", "-c", cfg.TestCommand}
	}
	return strings.Fields(cfg.TestCommand)
}
