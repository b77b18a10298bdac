package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/creditmine/internal/cli"
	"github.com/gezibash/creditmine/internal/config"
	"github.com/gezibash/creditmine/internal/policy"
	"github.com/gezibash/creditmine/internal/resumestore"
	"github.com/gezibash/creditmine/internal/resumestore/physical"
)

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "text", "output format (text, json, markdown)")
}

func output(cmd *cobra.Command) *cli.Output {
	format, _ := cmd.Flags().GetString("output")
	return cli.NewOutput(cli.ParseFormat(format), cmd.OutOrStdout())
}

func newPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List selection policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl := output(cmd).Table("policies", "Name", "Default")
			for _, name := range policy.List() {
				tbl.AddRow(name, strconv.FormatBool(name == policy.Default))
			}
			return tbl.Render()
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func newBackendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List resume state backends and their defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl := output(cmd).Table("backends", "Name", "Defaults")
			for _, name := range physical.ListBackends() {
				defaults := physical.Defaults(name)
				pairs := make([]string, 0, len(defaults))
				for _, k := range slices.Sorted(maps.Keys(defaults)) {
					pairs = append(pairs, k+"="+defaults[k])
				}
				tbl.AddRow(name, strings.Join(pairs, " "))
			}
			return tbl.Render()
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func newSourcesCmd() *cobra.Command {
	v := viper.New()
	var configFile string
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List configured discovery sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tbl := output(cmd).Table("sources", "ID", "Kind", "Path", "Enabled", "Archive")
			for _, s := range cfg.Sources {
				src, err := s.Source()
				if err != nil {
					return err
				}
				tbl.AddRow(src.ID, src.Kind.String(), s.Path, strconv.FormatBool(src.Enabled), strconv.FormatBool(src.Archive))
			}
			return tbl.Render()
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file path")
	addOutputFlag(cmd)
	return cmd
}

func newPendingCmd() *cobra.Command {
	v := viper.New()
	var configFile string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List swarms with stored resume state",
		Long: `List swarms with stored resume state.

These are the transfers the next start restores before running selection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			backend, backendCfg := cfg.ResumeBackend()
			store, err := resumestore.Open(cmd.Context(), backend, backendCfg, nil)
			if err != nil {
				return fmt.Errorf("open resume store: %w", err)
			}
			defer func() { _ = store.Close() }()

			pending, err := store.Pending(cmd.Context())
			if err != nil {
				return fmt.Errorf("list resume state: %w", err)
			}
			tbl := output(cmd).Table("pending", "Infohash", "Ref")
			for _, ih := range pending {
				ref, _, err := store.Lookup(cmd.Context(), ih)
				if err != nil {
					return err
				}
				tbl.AddRow(ih.Hex(), ref)
			}
			return tbl.Caption(fmt.Sprintf("%d pending in %s", tbl.Len(), backend)).Render()
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file path")
	addOutputFlag(cmd)
	return cmd
}
