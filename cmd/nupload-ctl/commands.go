// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-upload/internal/server/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTriggerCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <client_id> [file_path]",
		Short: "Ask a connected client to upload a file",
		Long: `Ask a connected client to upload a file.

Without file_path the client uploads its configured default_file.
The command returns as soon as the request is queued; the transfer
itself is followed with "uploads <id>" or "watch".`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			var filePath string
			if len(args) == 2 {
				filePath = args[1]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(v))
			defer cancel()
			resp, err := c.Trigger(ctx, args[0], filePath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newClientsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List connected clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(v))
			defer cancel()
			clients, err := c.Clients(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), clients)
		},
	}
}

func newUploadsCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "uploads [upload_id]",
		Short: "Show active and recent uploads, or a single upload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(v))
			defer cancel()

			if len(args) == 1 {
				up, err := c.Upload(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), up)
			}
			uploads, err := c.Uploads(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), uploads)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of finished uploads to show (0 = all retained)")
	return cmd
}

func newEventsCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent operational events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(v))
			defer cancel()
			events, err := c.Events(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events to show (0 = all retained)")
	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream operational events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return c.Watch(ctx, func(e observability.EventEntry) {
				client := e.Client
				if client == "" {
					client = "-"
				}
				fmt.Fprintf(out, "%s %-5s %-20s %-12s %s\n", e.Timestamp, e.Level, e.Type, client, e.Message)
			})
		},
	}
}
