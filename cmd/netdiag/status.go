// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health and oracle provider status",
		RunE:  runStatus,
	}
	cmd.Flags().String("address", defaultAddress, "server address")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, addr := clientFor(cmd)
	out := cmd.OutOrStdout()

	var health struct {
		Status string `json:"status"`
	}
	if err := c.do(cmd.Context(), "GET", "/health", nil, &health); err != nil {
		if notRunning(out, addr, err) {
			return nil
		}
		return err
	}
	_, _ = fmt.Fprintf(out, "netdiag server at %s: %s\n", addr, health.Status)

	var body struct {
		Providers []struct {
			Provider  string `json:"provider"`
			Available bool   `json:"available"`
			Message   string `json:"message"`
		} `json:"providers"`
	}
	if err := c.do(cmd.Context(), "GET", "/api/v1/providers", nil, &body); err != nil {
		_, _ = fmt.Fprintf(out, "providers: %v\n", err)
		return nil
	}
	if len(body.Providers) == 0 {
		_, _ = fmt.Fprintln(out, "No providers configured")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tAVAILABLE\tMESSAGE")
	for _, p := range body.Providers {
		_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\n", p.Provider, p.Available, p.Message)
	}
	return tw.Flush()
}
