package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "blogcache",
	Short: "Offline asset cache in front of the blog origin",
	Long: `blogcache fronts the blog origin with versioned cache generations.
It precaches a manifest at install, serves static assets cache-first,
falls back to an offline page when the origin is unreachable and drops
stale generations when a new version activates.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("BLOGCACHE_CONFIG", "/blogcache.yaml"), "path to blogcache.yaml")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the blogcache version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
