package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "batchq",
	Short: "Batched, rate- and concurrency-bounded command queue",
	Long: `batchq runs shell commands through an in-process task queue with
batching, retries, priorities and pluggable persistence (memory, file,
sqlite, pebble). Use "run" for a long-lived service with scheduled
commands, or "exec" to push commands from stdin and wait for them.`,
	SilenceUsage: true,
}

var cfgPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (JSON or YAML)")
}
