package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings
const (
	EnvGitHubToken      = "GITHUB_TOKEN"
	EnvGitHubRepository = "GITHUB_REPOSITORY"
	EnvApprovalPolicy   = "ODYSSEY_APPROVAL_POLICY"
	EnvBaseBranch       = "ODYSSEY_BASE_BRANCH"
	EnvLedgerPath       = "ODYSSEY_LEDGER_PATH"
	EnvRepoPath         = "ODYSSEY_REPO_PATH"
	EnvLogDir           = "ODYSSEY_LOG_DIR"
)

// Load builds a Config from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
//
// .env and .env.local next to the config file (or in the working directory
// when path is empty) are loaded first so they can supply the token.
// Relative repository and ledger paths in the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
	}
	loadEnvFiles(baseDir)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.resolvePaths(baseDir)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles(dir string) {
	for _, name := range []string{".env", ".env.local"} {
		envFile := filepath.Join(dir, name)
		if _, err := os.Stat(envFile); err == nil {
			// Existing environment variables take precedence over the file
			if err := godotenv.Load(envFile); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Failed to load %s: %v\n", envFile, err)
			}
		}
	}
}

func (c *Config) resolvePaths(baseDir string) {
	if c.Repository.Path != "" && !filepath.IsAbs(c.Repository.Path) {
		c.Repository.Path = filepath.Join(baseDir, c.Repository.Path)
	}
	if c.Ledger.Path != "" && c.Ledger.Path != ":memory:" && !filepath.IsAbs(c.Ledger.Path) {
		c.Ledger.Path = filepath.Join(baseDir, c.Ledger.Path)
	}
}

func (c *Config) applyEnv() error {
	if token, ok := os.LookupEnv(EnvGitHubToken); ok && token != "" {
		c.Remote.Token = token
	}
	if repository, ok := os.LookupEnv(EnvGitHubRepository); ok && repository != "" {
		owner, repo, found := strings.Cut(repository, "/")
		if !found || owner == "" || repo == "" {
			return fmt.Errorf("%s must be in owner/repo form, got %q", EnvGitHubRepository, repository)
		}
		c.Remote.Owner = owner
		c.Remote.Repo = repo
	}
	if policy, ok := os.LookupEnv(EnvApprovalPolicy); ok && policy != "" {
		c.Approval.Policy = ApprovalPolicy(policy)
	}
	if base, ok := os.LookupEnv(EnvBaseBranch); ok && base != "" {
		c.Repository.BaseBranch = base
	}
	if ledgerPath, ok := os.LookupEnv(EnvLedgerPath); ok && ledgerPath != "" {
		c.Ledger.Path = ledgerPath
	}
	if repoPath, ok := os.LookupEnv(EnvRepoPath); ok && repoPath != "" {
		c.Repository.Path = repoPath
	}
	if logDir, ok := os.LookupEnv(EnvLogDir); ok && logDir != "" {
		c.Logging.Dir = logDir
	}
	return nil
}
