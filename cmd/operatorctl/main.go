// Package main implements operatorctl, the CLI for driving an operatord
// instance over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/operatord/internal/apiclient"
	"github.com/fyrsmithlabs/operatord/internal/monitor"
)

var (
	serverURL string
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "operatorctl",
	Short:   "CLI for operatord task orchestration",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8710", "operatord server URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(monitorCmd)

	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "task priority (higher runs first)")
	submitCmd.Flags().StringVar(&submitBackend, "backend", "", "reasoning backend name")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "refresh interval")
}

func client() *apiclient.Client {
	return apiclient.New(serverURL)
}

// printJSON renders any API payload as indented JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var (
	submitPriority int
	submitBackend  string
)

var submitCmd = &cobra.Command{
	Use:   "submit <goal>",
	Short: "Submit a goal as a new task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := client().CreateTask(context.Background(), args[0], submitPriority, submitBackend)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := client().GetTask(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := client().ListTasks(context.Background())
		if err != nil {
			return err
		}
		return printJSON(snaps)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Pause(context.Background(), args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Resume(context.Background(), args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cooperative cancellation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Cancel(context.Background(), args[0])
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune <task-id>",
	Short: "Remove a finished task and purge its memory scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Prune(context.Background(), args[0])
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler and rate-window statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client().Stats(context.Background())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard of tasks and rate windows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return monitor.Run(serverURL, monitorInterval)
	},
}
