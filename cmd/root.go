package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kubecoderun",
	Short: "Execution orchestration core for a multi-tenant code interpreter service",
	Long:  `kubecoderun schedules warm sandboxes, runs untrusted code through an in-sandbox agent, and persists per-session interpreter state across executions.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
