// Package main provides the odyssey CLI. It submits proposed code changes,
// runs the background worker that validates and merges them, and lets a
// reviewer inspect, approve or reject proposals.
package main

import (
	"context"
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
