// Package config holds the pipeline configuration. A Config is built once at
// process start and each component receives the section it needs.
package config

import (
	"fmt"
	"time"
)

// Config represents the full pipeline configuration
type Config struct {
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Sandbox    SandboxConfig    `yaml:"sandbox" json:"sandbox"`
	Approval   ApprovalConfig   `yaml:"approval" json:"approval"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	Remote     RemoteConfig     `yaml:"remote" json:"remote"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// RepositoryConfig defines the shared working copy proposals are built from and merged into
type RepositoryConfig struct {
	Path               string        `yaml:"path" json:"path"`
	BaseBranch         string        `yaml:"base_branch" json:"base_branch"`
	BranchPrefix       string        `yaml:"branch_prefix" json:"branch_prefix"`
	Remote             string        `yaml:"remote" json:"remote"` // git remote name; pushes are skipped when it does not exist
	AuthorName         string        `yaml:"author_name" json:"author_name"`
	AuthorEmail        string        `yaml:"author_email" json:"author_email"`
	DeleteMergedBranch bool          `yaml:"delete_merged_branch" json:"delete_merged_branch"`
	ProtectedPaths     []string      `yaml:"protected_paths" json:"protected_paths"`
	GitTimeout         time.Duration `yaml:"git_timeout" json:"git_timeout"`
}

// SandboxConfig defines how proposal code is built, started and tested
type SandboxConfig struct {
	BuildDescriptor string        `yaml:"build_descriptor" json:"build_descriptor"`
	DockerBinary    string        `yaml:"docker_binary" json:"docker_binary"`
	ImagePrefix     string        `yaml:"image_prefix" json:"image_prefix"`
	ContainerPort   int           `yaml:"container_port" json:"container_port"`
	HostPort        int           `yaml:"host_port" json:"host_port"` // 0 reserves a free port per run
	HealthEndpoint  string        `yaml:"health_endpoint" json:"health_endpoint"`
	HealthInterval  time.Duration `yaml:"health_interval" json:"health_interval"`
	HealthTimeout   time.Duration `yaml:"health_timeout" json:"health_timeout"`
	BuildTimeout    time.Duration `yaml:"build_timeout" json:"build_timeout"`
	TestCommand     string        `yaml:"test_command" json:"test_command"` // split on whitespace, no quoting
	TestShell       bool          `yaml:"test_shell" json:"test_shell"`     // run test_command through sh -c instead
	TestTimeout     time.Duration `yaml:"test_timeout" json:"test_timeout"`
	MemoryLimit     string        `yaml:"memory_limit" json:"memory_limit"`
	CPULimit        string        `yaml:"cpu_limit" json:"cpu_limit"`
	Network         string        `yaml:"network" json:"network"`
	NoNewPrivileges bool          `yaml:"no_new_privileges" json:"no_new_privileges"`
	ReadOnly        bool          `yaml:"read_only" json:"read_only"`
	Tmpfs           []string      `yaml:"tmpfs" json:"tmpfs"`
}

// ApprovalPolicy selects how validated proposals become merge-eligible
type ApprovalPolicy string

const (
	// PolicyManual requires an explicit approval call
	PolicyManual ApprovalPolicy = "manual"
	// PolicyAuto approves every proposal that passes validation
	PolicyAuto ApprovalPolicy = "auto"
)

// ApprovalConfig defines the approval policy
type ApprovalConfig struct {
	Policy       ApprovalPolicy `yaml:"policy" json:"policy"`
	AutoApprover string         `yaml:"auto_approver" json:"auto_approver"`
}

// LedgerConfig defines where proposal state is stored
type LedgerConfig struct {
	Path     string `yaml:"path" json:"path"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// QueueConfig defines background task execution
type QueueConfig struct {
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	LeaseTimeout time.Duration `yaml:"lease_timeout" json:"lease_timeout"` // running tasks older than this are redelivered
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
}

// RemoteConfig defines the hosting service used for pull requests and CI status
type RemoteConfig struct {
	Provider        string        `yaml:"provider" json:"provider"` // auto, github, gh, none
	Owner           string        `yaml:"owner" json:"owner"`
	Repo            string        `yaml:"repo" json:"repo"`
	Token           string        `yaml:"token" json:"-"`
	APIURL          string        `yaml:"api_url" json:"api_url"`
	PushAttempts    int           `yaml:"push_attempts" json:"push_attempts"`
	PushBackoff     time.Duration `yaml:"push_backoff" json:"push_backoff"`
	CIPollAttempts  int           `yaml:"ci_poll_attempts" json:"ci_poll_attempts"`
	CIPollInterval  time.Duration `yaml:"ci_poll_interval" json:"ci_poll_interval"`
	OpenPullRequest bool          `yaml:"open_pull_request" json:"open_pull_request"`
	RequireCI       bool          `yaml:"require_ci" json:"require_ci"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Dir is where session log files are written (default ~/.odyssey/logs)
	Dir string `yaml:"dir" json:"dir"`
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
}

// Remote providers
const (
	ProviderAuto   = "auto"
	ProviderGitHub = "github"
	ProviderGH     = "gh"
	ProviderNone   = "none"
)

// Validate validates the configuration
//
//nolint:gocyclo
func (c *Config) Validate() error {
	if c.Repository.Path == "" {
		return fmt.Errorf("repository path is required")
	}
	if c.Repository.BaseBranch == "" {
		return fmt.Errorf("repository base_branch is required")
	}
	if c.Repository.BranchPrefix == "" {
		return fmt.Errorf("repository branch_prefix is required")
	}
	if c.Repository.GitTimeout <= 0 {
		return fmt.Errorf("repository git_timeout must be positive")
	}

	if c.Sandbox.BuildDescriptor == "" {
		return fmt.Errorf("sandbox build_descriptor is required")
	}
	if c.Sandbox.ContainerPort <= 0 || c.Sandbox.ContainerPort > 65535 {
		return fmt.Errorf("invalid sandbox container_port: %d", c.Sandbox.ContainerPort)
	}
	if c.Sandbox.HostPort < 0 || c.Sandbox.HostPort > 65535 {
		return fmt.Errorf("invalid sandbox host_port: %d", c.Sandbox.HostPort)
	}
	if c.Sandbox.HealthInterval <= 0 || c.Sandbox.HealthTimeout <= 0 {
		return fmt.Errorf("sandbox health_interval and health_timeout must be positive")
	}
	if c.Sandbox.HealthInterval > c.Sandbox.HealthTimeout {
		return fmt.Errorf("sandbox health_interval (%s) exceeds health_timeout (%s)", c.Sandbox.HealthInterval, c.Sandbox.HealthTimeout)
	}
	if c.Sandbox.BuildTimeout <= 0 || c.Sandbox.TestTimeout <= 0 {
		return fmt.Errorf("sandbox build_timeout and test_timeout must be positive")
	}
	if c.Sandbox.TestCommand == "" {
		return fmt.Errorf("sandbox test_command is required")
	}

	switch c.Approval.Policy {
	case PolicyManual, PolicyAuto:
	default:
		return fmt.Errorf("invalid approval policy: %s (must be 'manual' or 'auto')", c.Approval.Policy)
	}
	if c.Approval.AutoApprover == "" {
		c.Approval.AutoApprover = "system:auto_approval"
	}

	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger path is required")
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	if c.Queue.PollInterval <= 0 || c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue poll_interval and lease_timeout must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive")
	}

	switch c.Remote.Provider {
	case ProviderAuto, ProviderGitHub, ProviderGH, ProviderNone:
	default:
		return fmt.Errorf("invalid remote provider: %s (must be 'auto', 'github', 'gh', or 'none')", c.Remote.Provider)
	}
	if c.Remote.Provider == ProviderGitHub && (c.Remote.Owner == "" || c.Remote.Repo == "") {
		return fmt.Errorf("remote provider github requires owner and repo")
	}
	if c.Remote.PushAttempts <= 0 || c.Remote.CIPollAttempts <= 0 {
		return fmt.Errorf("remote push_attempts and ci_poll_attempts must be positive")
	}
	if c.Remote.RequireCI && c.Remote.Provider == ProviderNone {
		return fmt.Errorf("remote require_ci needs a remote provider")
	}

	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

// DefaultConfig returns a default configuration suitable for most use cases
func DefaultConfig() *Config {
	return &Config{
		Repository: RepositoryConfig{
			Path:               ".",
			BaseBranch:         "main",
			BranchPrefix:       "proposal",
			Remote:             "origin",
			AuthorName:         "odyssey[bot]",
			AuthorEmail:        "odyssey[bot]@users.noreply.github.com",
			DeleteMergedBranch: true,
			GitTimeout:         2 * time.Minute,
		},
		Sandbox: SandboxConfig{
			BuildDescriptor: "Dockerfile",
			DockerBinary:    "docker",
			ImagePrefix:     "odyssey-proposal",
			ContainerPort:   8000,
			HealthEndpoint:  "/health",
			HealthInterval:  2 * time.Second,
			HealthTimeout:   60 * time.Second,
			BuildTimeout:    10 * time.Minute,
			TestCommand:     "pytest",
			TestTimeout:     10 * time.Minute,
			MemoryLimit:     "512m",
			CPULimit:        "1.0",
			Network:         "bridge",
			NoNewPrivileges: true,
			ReadOnly:        true,
			Tmpfs:           []string{"/tmp"},
		},
		Approval: ApprovalConfig{
			Policy:       PolicyManual,
			AutoApprover: "system:auto_approval",
		},
		Ledger: LedgerConfig{
			Path:     "odyssey.db",
			PoolSize: 4,
		},
		Queue: QueueConfig{
			Concurrency:  2,
			PollInterval: time.Second,
			LeaseTimeout: 30 * time.Minute,
			MaxAttempts:  3,
		},
		Remote: RemoteConfig{
			Provider:       ProviderAuto,
			APIURL:         "https://api.github.com",
			PushAttempts:   3,
			PushBackoff:    time.Second,
			CIPollAttempts: 30,
			CIPollInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}
