package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jon9314/Odyssey/pkg/logging"
)

// RunSpec describes a container to start
type RunSpec struct {
	Image           string
	Name            string
	ContainerPort   int
	HostPort        int
	Memory          string
	CPUs            string
	Network         string
	ReadOnly        bool
	NoNewPrivileges bool
	Tmpfs           []string
}

// Runtime is the container runtime the executor drives. Implementations
// return the command output alongside any error so it can be logged.
type Runtime interface {
	// Build builds contextDir using descriptor and tags the image
	Build(ctx context.Context, contextDir, descriptor, tag string) (string, error)

	// Run starts a detached container and returns its id
	Run(ctx context.Context, spec RunSpec) (string, string, error)

	// Exec runs cmd inside a running container. A non-zero exit is reported
	// through exitCode with a nil error; err is reserved for failures to run
	// the command at all.
	Exec(ctx context.Context, containerID string, cmd []string) (output string, exitCode int, err error)

	// Stop stops a running container
	Stop(ctx context.Context, containerID string) (string, error)

	// Remove deletes a stopped container
	Remove(ctx context.Context, containerID string) (string, error)

	// RemoveImage deletes an image by tag
	RemoveImage(ctx context.Context, tag string) (string, error)
}

// DockerCLI drives a Docker-compatible CLI such as docker or podman
type DockerCLI struct {
	binary string
	logger *logging.Logger
}

// NewDockerCLI creates a runtime that shells out to binary
func NewDockerCLI(binary string, logger *logging.Logger) *DockerCLI {
	if binary == "" {
		binary = "docker"
	}
	return &DockerCLI{binary: binary, logger: logger}
}

// Build runs `docker build`
func (d *DockerCLI) Build(ctx context.Context, contextDir, descriptor, tag string) (string, error) {
	return d.run(ctx, "build", "--file", descriptor, "--tag", tag, contextDir)
}

// Run runs `docker run --detach` with the isolation flags from spec
func (d *DockerCLI) Run(ctx context.Context, spec RunSpec) (string, string, error) {
	out, err := d.run(ctx, runArgs(spec)...)
	if err != nil {
		return "", out, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", out, fmt.Errorf("%s run returned no container id", d.binary)
	}
	return fields[len(fields)-1], out, nil
}

func runArgs(spec RunSpec) []string {
	args := []string{"run", "--detach", "--cap-drop", "ALL"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.ReadOnly {
		args = append(args, "--read-only")
	}
	if spec.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, dir := range spec.Tmpfs {
		args = append(args, "--tmpfs", dir)
	}
	if spec.ContainerPort > 0 {
		args = append(args, "--publish", fmt.Sprintf("127.0.0.1:%d:%d", spec.HostPort, spec.ContainerPort))
	}
	return append(args, spec.Image)
}

// Exec runs `docker exec`
func (d *DockerCLI) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	args := append([]string{"exec", containerID}, cmd...)
	out, err := d.run(ctx, args...)
	if err == nil {
		return out, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return out, exitErr.ExitCode(), nil
	}
	return out, -1, err
}

// Stop runs `docker stop`
func (d *DockerCLI) Stop(ctx context.Context, containerID string) (string, error) {
	return d.run(ctx, "stop", "--time", strconv.Itoa(5), containerID)
}

// Remove runs `docker rm --force`
func (d *DockerCLI) Remove(ctx context.Context, containerID string) (string, error) {
	return d.run(ctx, "rm", "--force", containerID)
}

// RemoveImage runs `docker rmi --force`
func (d *DockerCLI) RemoveImage(ctx context.Context, tag string) (string, error) {
	return d.run(ctx, "rmi", "--force", tag)
}

// run executes the CLI and returns combined stdout and stderr
func (d *DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	d.logger.Debugf("%s %s", d.binary, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return output.String(), fmt.Errorf("%s %s: %w", d.binary, args[0], err)
	}
	return output.String(), nil
}
