package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/IITvamp/cmux/internal/server"
	"github.com/IITvamp/cmux/internal/statusui"
)

func newStartCmd() *cobra.Command {
	var branch, description string
	var agents []string

	cmd := &cobra.Command{
		Use:   "start <repo-url>",
		Short: "Start a task: one worktree and container per agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				TaskID string `json:"TaskID"`
				Runs   []struct {
					RunID        string `json:"RunID"`
					AgentName    string `json:"AgentName"`
					Branch       string `json:"Branch"`
					WorktreePath string `json:"WorktreePath"`
					Info         *struct {
						WorkspaceURL string `json:"WorkspaceURL"`
					} `json:"Info"`
					Error string `json:"Error"`
				} `json:"Runs"`
			}
			err := call("start-task", server.StartTaskParams{
				RepoURL:     args[0],
				Branch:      branch,
				Description: description,
				Agents:      agents,
			}, &result)
			if err != nil {
				return err
			}

			fmt.Println("task", result.TaskID)
			for _, run := range result.Runs {
				detail := ""
				if run.Info != nil {
					detail = run.Info.WorkspaceURL
				}
				if run.Error != "" {
					detail = "error: " + run.Error
				}
				fmt.Printf("  %s  %s  %s  %s\n", run.RunID, run.AgentName, run.Branch, detail)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "base branch (default: remote HEAD)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringSliceVarP(&agents, "agent", "a", nil, "agent name (repeatable)")
	return cmd
}

func newStopCmd() *cobra.Command {
	var preserve bool
	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call("stop-run", server.RunParams{RunID: args[0], PreserveVolumes: preserve}, nil)
		},
	}
	cmd.Flags().BoolVar(&preserve, "preserve-volumes", true, "keep named volumes for warm resume")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a stopped run on its preserved volumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info struct {
				WorkspaceURL string `json:"WorkspaceURL"`
			}
			if err := call("resume-run", server.RunParams{RunID: args[0]}, &info); err != nil {
				return err
			}
			fmt.Println(info.WorkspaceURL)
			return nil
		},
	}
}

func newCompleteCmd() *cobra.Command {
	var openPR bool
	cmd := &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Capture and store a run's diff, optionally opening a draft PR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call("complete-run", server.RunParams{RunID: args[0], OpenPR: openPR}, nil)
		},
	}
	cmd.Flags().BoolVar(&openPR, "pr", false, "commit, push, and open a draft PR")
	return cmd
}

func fetchRows() ([]statusui.Row, error) {
	var rows []statusui.Row
	if err := call("ps", struct{}{}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func newPsCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List cmux containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				_, err := tea.NewProgram(statusui.New(fetchRows)).Run()
				return err
			}

			rows, err := fetchRows()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONTAINER\tRUN\tSTATUS\tIDE\tWORKER")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.ContainerName, r.TaskRunID, r.Status, r.IDEPort, r.WorkerPort)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "live-updating view")
	return cmd
}
