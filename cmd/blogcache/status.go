package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"blogcache/internal/swcache"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List cache generations in storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := swcache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		storage, err := cfg.OpenStorage()
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer storage.Close()

		active, err := storage.Active()
		if err != nil {
			return fmt.Errorf("read active generation: %w", err)
		}
		gens, err := swcache.ListGenerations(storage, active)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "configured: %s\n", cfg.Version)
		if active == "" {
			active = "none"
		}
		fmt.Fprintf(out, "active:     %s\n\n", active)

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "GENERATION\tENTRIES\tCURRENT")
		for _, g := range gens {
			cur := ""
			if g.Current {
				cur = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\n", g.Name, g.Entries, cur)
		}
		return tw.Flush()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := swcache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, configCmd)
}
