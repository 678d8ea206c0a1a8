package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon9314/Odyssey/pkg/pipeline"
	"github.com/jon9314/Odyssey/pkg/proposal"
)

// executeCommand runs the root command and captures os.Stdout, which the
// commands print to directly
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	configPath, jsonOutput = "", false
	proposeMessage, proposePrefix, proposeInput, proposeSourceDir = "", "", "", "."
	rejectReason = ""

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	rootCmd.SetArgs(args)
	execErr := rootCmd.Execute()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String(), execErr
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
}

// setupWorkspace creates a git repository and a config file pointing at it
func setupWorkspace(t *testing.T) (repoDir, cfgPath string) {
	t.Helper()
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_REPOSITORY", "")
	t.Setenv("ODYSSEY_APPROVAL_POLICY", "")

	repoDir = t.TempDir()
	runGit(t, repoDir, "init", "--quiet", "--initial-branch=main")
	runGit(t, repoDir, "config", "user.email", "test@example.com")
	runGit(t, repoDir, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("# Test\n"), 0644))
	runGit(t, repoDir, "add", "README.md")
	runGit(t, repoDir, "commit", "--quiet", "-m", "Initial commit")

	state := t.TempDir()
	cfgPath = filepath.Join(state, "odyssey.yaml")
	cfg := "repository:\n" +
		"  path: " + repoDir + "\n" +
		"ledger:\n" +
		"  path: " + filepath.Join(state, "odyssey.db") + "\n" +
		"remote:\n" +
		"  provider: none\n" +
		"logging:\n" +
		"  dir: " + filepath.Join(state, "logs") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	return repoDir, cfgPath
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "sandbox")
	for _, name := range []string{"propose", "list", "show", "diff", "approve", "reject", "worker", "recover", "tools"} {
		assert.Contains(t, out, name)
	}
}

func TestProposeListShowReject(t *testing.T) {
	_, cfgPath := setupWorkspace(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "app"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "app", "main.py"), []byte("print('hi')\n"), 0644))

	out, err := executeCommand(t, "--config", cfgPath, "--json", "propose",
		"-m", "feat: add main", "--source-dir", src, "app/main.py")
	require.NoError(t, err)

	var res pipeline.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, proposal.StatusValidationPending, res.Status)
	assert.True(t, strings.HasPrefix(res.BranchName, "proposal/"+res.ProposalID+"_feat_add_main"))

	out, err = executeCommand(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, res.ProposalID)
	assert.Contains(t, out, "validation_pending")

	out, err = executeCommand(t, "--config", cfgPath, "diff", "--no-color", res.ProposalID)
	require.NoError(t, err)
	assert.Contains(t, out, "+print('hi')")

	out, err = executeCommand(t, "--config", cfgPath, "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "pending  1")

	_, err = executeCommand(t, "--config", cfgPath, "approve", res.ProposalID)
	assert.ErrorContains(t, err, "illegal transition")

	_, err = executeCommand(t, "--config", cfgPath, "reject", "--reason", "not needed", res.ProposalID)
	require.NoError(t, err)

	out, err = executeCommand(t, "--config", cfgPath, "show", res.ProposalID)
	require.NoError(t, err)
	assert.Contains(t, out, "rejected")
	assert.Contains(t, out, "Rejected by api_user: not needed")
	assert.Contains(t, out, "History")
}

func TestProposeFromJSONInput(t *testing.T) {
	_, cfgPath := setupWorkspace(t)

	input := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(input, []byte(`{
		"files_content": {"docs/notes.md": "notes\n"},
		"commit_message": "docs: notes",
		"branch_prefix": "bots"
	}`), 0644))

	out, err := executeCommand(t, "--config", cfgPath, "--json", "propose", "--input", input)
	require.NoError(t, err)
	assert.Contains(t, out, `"branch_name": "bots/prop_`)
}

func TestProposeRequiresMessageAndFiles(t *testing.T) {
	_, cfgPath := setupWorkspace(t)

	_, err := executeCommand(t, "--config", cfgPath, "propose", "-m", "x")
	assert.ErrorContains(t, err, "no files given")

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644))
	_, err = executeCommand(t, "--config", cfgPath, "propose", "--source-dir", src, "a.txt")
	assert.ErrorContains(t, err, "commit message is required")
}

func TestRecoverAndTools(t *testing.T) {
	_, cfgPath := setupWorkspace(t)

	out, err := executeCommand(t, "--config", cfgPath, "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued 0 tasks")

	out, err = executeCommand(t, "--config", cfgPath, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "propose_change")
	assert.Contains(t, out, "list_proposals")

	out, err = executeCommand(t, "--config", cfgPath, "tools", "call", "list_proposals", `{"limit": 5}`)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestRenderProposal(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &proposal.Proposal{
		ID:               "prop_0123456789",
		BranchName:       "proposal/prop_0123456789_fix",
		BaseBranch:       "main",
		CommitMessage:    "fix: thing",
		Status:           proposal.StatusMergeFailed,
		ValidationOutput: "== test ==\nok\nMerge attempt: conflict",
		PullRequestNum:   4,
		PullRequestURL:   "https://example.com/pull/4",
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	history := []proposal.Transition{
		{To: proposal.StatusProposed, At: at},
		{From: proposal.StatusProposed, To: proposal.StatusValidationPending, At: at, Actor: "alice"},
	}

	out := renderProposal(p, history)
	assert.Contains(t, out, "Proposal prop_0123456789")
	assert.Contains(t, out, "merge_failed")
	assert.Contains(t, out, "#4 https://example.com/pull/4")
	assert.Contains(t, out, "by alice")
	assert.True(t, strings.HasSuffix(out, "Merge attempt: conflict\n"))

	table := renderProposalTable([]*proposal.Proposal{p})
	assert.Contains(t, table, "STATUS")
	assert.Contains(t, table, "prop_0123456789")
}

func TestWriteDiff(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDiff(&buf, "", false))
	assert.Contains(t, buf.String(), "No changes.")

	buf.Reset()
	diff := "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-old\n+new\n"
	require.NoError(t, writeDiff(&buf, diff, false))
	assert.Equal(t, diff, buf.String())

	buf.Reset()
	require.NoError(t, writeDiff(&buf, diff, true))
	assert.Contains(t, buf.String(), "new")
}

func TestStatusColor(t *testing.T) {
	assert.Equal(t, mintGreen, statusColor(proposal.StatusMerged))
	assert.Equal(t, alertRed, statusColor(proposal.StatusRejected))
	assert.Equal(t, amber, statusColor(proposal.StatusMergeInProgress))
	assert.Equal(t, mutedGray, statusColor(proposal.StatusProposed))
}
