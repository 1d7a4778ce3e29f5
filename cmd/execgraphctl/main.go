// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagrun/execgraph"
	"github.com/dagrun/execgraph/codec"
)

// root returns the root cobra command.
func root() (cmd *cobra.Command) {
	cmd = &cobra.Command{
		Use:           "execgraphctl",
		Short:         "Runs and inspects dependency-graph job trees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCmd())
	cmd.AddCommand(vetCmd())
	cmd.AddCommand(statusCmd())
	return
}

func loadTree(path string) (*execgraph.Tree, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return codec.Decode(src)
}

// runCmd returns the run cobra command.
func runCmd() (cmd *cobra.Command) {
	var timeout time.Duration
	cmd = &cobra.Command{
		Use:   "run <document.cue>",
		Short: "Loads a tree document and runs it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTree(args[0])
			if err != nil {
				return err
			}
			if verr := t.Validate(); !verr.Empty() {
				return verr
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sc := make(chan os.Signal, 1)
			signal.Notify(sc, os.Interrupt, syscall.SIGTERM)
			go func() {
				s := <-sc
				fmt.Fprintf(os.Stderr, "%s, cancelling not-yet-started jobs\n", s)
				t.Cancel()
			}()
			t.Run(ctx, true, timeout)
			for _, j := range t.AllJobs() {
				fmt.Printf("%s\t%s\n", j.Name, j.State())
			}
			if !t.IsSuccess() {
				return fmt.Errorf("tree %s did not complete successfully", t.Name)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall wall-clock budget for the run (0 means no limit)")
	return
}

// vetCmd returns the vet cobra command.
func vetCmd() (cmd *cobra.Command) {
	return &cobra.Command{
		Use:   "vet <document.cue>",
		Short: "Loads and validates a tree document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTree(args[0])
			if err != nil {
				return err
			}
			if verr := t.Validate(); !verr.Empty() {
				return verr
			}
			fmt.Println("ok")
			return nil
		},
	}
}

// statusCmd returns the status cobra command.
func statusCmd() (cmd *cobra.Command) {
	return &cobra.Command{
		Use:   "status <document.cue>",
		Short: "Loads a tree document and prints its current per-job status as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTree(args[0])
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(t.JSONStatus(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}

func main() {
	if err := root().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}
