// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// SchemaStatus is the schema state reported by the status command.
type SchemaStatus struct {
	Version int           `json:"version"`
	Target  int           `json:"target"`
	Pending []PendingStep `json:"pending"`
}

// PendingStep is a schema step not yet applied.
type PendingStep struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
}

type statusConfig struct {
	jsonOutput bool
}

func newStatusCmd(a *app) *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the schema version and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, a, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, a *app, cfg *statusConfig) error {
	pool, err := a.connect(cmd)
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := a.migrator(pool)
	if err != nil {
		return err
	}
	current, err := m.Version(cmd.Context())
	if err != nil {
		return err
	}
	pending, err := m.Pending(cmd.Context())
	if err != nil {
		return err
	}

	status := SchemaStatus{Version: current, Target: m.Target(), Pending: []PendingStep{}}
	for _, step := range pending {
		status.Pending = append(status.Pending, PendingStep{Version: step.Version, Description: step.Description})
	}

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return oops.With("operation", "format status").Wrap(err)
		}
		cmd.Println(string(out))
		return nil
	}
	cmd.Println(formatStatus(status))
	return nil
}

func formatStatus(s SchemaStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schema version: %d\n", s.Version)
	fmt.Fprintf(&b, "Target version: %d\n", s.Target)
	if len(s.Pending) == 0 {
		b.WriteString("No pending migrations")
		return b.String()
	}
	fmt.Fprintf(&b, "Pending migrations: %d", len(s.Pending))
	for _, step := range s.Pending {
		fmt.Fprintf(&b, "\n  %06d %s", step.Version, step.Description)
	}
	return b.String()
}
