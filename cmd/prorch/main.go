// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command prorch is the operator CLI: validate workflow definitions and
// drive a one-shot PR event against a local orchestrator instance.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flowctl/prorch/internal/config"
	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/internal/orchestrator"
	"github.com/flowctl/prorch/internal/store"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

// applyEnvOverrides fills any flag the user did not set on the command line
// from a PRORCH_<FLAG> environment variable, dashes mapped to underscores.
func applyEnvOverrides(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		key := "PRORCH_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(key); ok {
			_ = cmd.Flags().Set(f.Name, v)
		}
	})
}

func main() {
	root := &cobra.Command{
		Use:           "prorch",
		Short:         "prorch - PR workflow orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newValidateCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newQueueStatsCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("prorch %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [workflow.yaml]",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := orchestrator.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: valid (%d steps)\n", args[0], len(def.Steps))
			return nil
		},
	}
}

func newQueueStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Report the Task Queue's pending/processing/dead-letter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := log.New(log.FromEnv())

			orch, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := orch.Initialize(ctx); err != nil {
				return err
			}
			defer orch.Shutdown(ctx)

			stats, err := orch.QueueStats(ctx)
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		repoID       string
		prNumber     int
		prID         string
		title        string
		author       string
		baseBranch   string
		headBranch   string
		workflowName string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a PR event against a local orchestrator instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEnvOverrides(cmd)
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := log.New(log.FromEnv())

			orch, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := orch.Initialize(ctx); err != nil {
				return err
			}
			defer orch.Shutdown(ctx)

			out, err := orch.ProcessPREvent(ctx, repoID, prNumber, store.PRInput{
				PRID:       prID,
				Title:      title,
				Author:     author,
				Status:     store.PRStatusOpen,
				BaseBranch: baseBranch,
				HeadBranch: headBranch,
			}, workflowName)
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository identifier")
	cmd.Flags().IntVar(&prNumber, "pr-number", 0, "pull request number")
	cmd.Flags().StringVar(&prID, "pr-id", "", "pull request external id")
	cmd.Flags().StringVar(&title, "title", "", "pull request title")
	cmd.Flags().StringVar(&author, "author", "", "pull request author")
	cmd.Flags().StringVar(&baseBranch, "base", "main", "base branch")
	cmd.Flags().StringVar(&headBranch, "head", "", "head branch")
	cmd.Flags().StringVar(&workflowName, "workflow", "", "workflow definition name (default: orchestrator.default_workflow)")
	return cmd
}

