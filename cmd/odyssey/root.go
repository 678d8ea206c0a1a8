package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "odyssey",
		Short: "Odyssey - reviewed self-modification for a code repository",
		Long: `Odyssey turns proposed code changes into branches, validates each one in a
container sandbox and merges it only after approval.

Submit changes with "propose", run "worker" to validate and merge them in the
background, and review with "list", "show", "diff", "approve" and "reject".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to odyssey.yaml (defaults plus environment when empty)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(proposeCmd, listCmd, showCmd, diffCmd, approveCmd, rejectCmd,
		workerCmd, recoverCmd, queueCmd, toolsCmd)
}

// withApp opens the application for a command and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// outputJSON prints v as indented JSON
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
