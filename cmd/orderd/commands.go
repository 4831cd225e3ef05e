// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianOrder/services/ordering/api"
	"github.com/AleutianAI/AleutianOrder/services/ordering/config"
	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/telemetry"
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "orderd",
		Short: "Order-maintenance service for ordered tables",
		Long: `orderd keeps per-group order keys dense and unique, serves moves over
HTTP, and publishes a notification whenever a group's order changes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to orderd.yaml (default $"+config.EnvConfigPath+")")

	var group string
	groupFlag := func(cmd *cobra.Command) {
		cmd.Flags().StringVarP(&group, "group", "g", "", `group as a JSON object, e.g. '{"list_id":7}'`)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	renumberCmd := &cobra.Command{
		Use:   "renumber <table>",
		Short: "Rewrite a table's order keys to 2, 4, 6, ... per group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(a *app) error {
				g, err := parseGroup(group)
				if err != nil {
					return err
				}
				var n int
				if g != nil {
					n, err = a.engine.Renumber(cmd.Context(), args[0], g)
				} else {
					n, err = a.engine.RenumberAll(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows rewritten\n", args[0], n)
				return nil
			})
		},
	}
	groupFlag(renumberCmd)

	checkCmd := &cobra.Command{
		Use:   "check <table>",
		Short: "Report groups whose keys are duplicated or not dense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(a *app) error {
				violations, err := a.engine.Check(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(violations) == 0 {
					fmt.Fprintf(out, "%s: ok\n", args[0])
					return nil
				}
				duplicates := false
				for _, v := range violations {
					fmt.Fprintf(out, "%s group=%s records=%d duplicates=%d sparse=%t\n",
						args[0], v.Group, v.Records, v.Duplicates, v.Sparse)
					duplicates = duplicates || v.Duplicates > 0
				}
				if duplicates {
					return fmt.Errorf("%s has duplicate order keys; run orderd renumber %s", args[0], args[0])
				}
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <table>",
		Short: "Print a group's records in order, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(a *app) error {
				g, err := parseGroup(group)
				if err != nil {
					return err
				}
				recs, err := a.engine.List(cmd.Context(), args[0], g)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, r := range recs {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	groupFlag(listCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write an example configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	configCmd.AddCommand(configInitCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orderd %s\n", version)
		},
	}

	root.AddCommand(serveCmd, renumberCmd, checkCmd, listCmd, configCmd, versionCmd)
	return root
}

// withApp opens the app for one command and closes it afterwards.
func withApp(configPath string, fn func(a *app) error) error {
	a, err := openApp(configPath, false)
	if err != nil {
		return err
	}
	return errors.Join(fn(a), a.Close())
}

func parseGroup(raw string) (model.Group, error) {
	if raw == "" {
		return nil, nil
	}
	var g model.Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("--group must be a JSON object: %w", err)
	}
	return g, nil
}

// runServe runs the HTTP API until SIGINT or SIGTERM, then drains it.
func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger.Slog()
	cfg := a.cfg

	tcfg := cfg.Telemetry
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = version
	}
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	srv := api.NewServer(a.engine, a.broker, api.Options{
		ServiceName:    tcfg.ServiceName,
		MoveRate:       cfg.Server.MoveRate,
		MoveBurst:      cfg.Server.MoveBurst,
		StreamBuffer:   cfg.Server.StreamBuffer,
		MetricsHandler: telemetry.MetricsHandler(),
		Logger:         log,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("orderd listening", "addr", cfg.Server.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Streams are hijacked connections that Shutdown does not wait
		// for; closing the broker ends them.
		a.broker.Close()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
