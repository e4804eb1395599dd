package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"memcore/internal/datadir"
	"memcore/internal/version"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "memcore",
	Short: "memcore - per-tenant vector index cache with batched persistence",
	Long: `memcore keeps one approximate-nearest-neighbour index per tenant in
memory, stages new vectors in a write-back buffer and persists full index
snapshots to a blob store in batches.

Searches see staged vectors immediately. Every committed snapshot is
recorded in a version registry so the newest index can be loaded again
after a restart.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and index format information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		out := cmd.OutOrStdout()
		if versionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Fprintf(out, "memcore %s\n", version.Full())
		if info.BuildDate != "unknown" {
			fmt.Fprintf(out, "Built:        %s\n", info.BuildDate)
		}
		fmt.Fprintf(out, "Go:           %s\n", info.GoVersion)
		fmt.Fprintf(out, "Index format: v%d (%s)\n", info.IndexFormat, strings.Join(info.Backends, ", "))
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default {data_dir}/memcore.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print build info as JSON")
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// Logs go to stderr so stdout stays machine readable.
	log.SetOutput(os.Stderr)

	// Load .env files early so ${ENV_VAR} placeholders resolve.
	if dd, err := datadir.New(""); err == nil {
		if err := datadir.LoadEnv(dd.Root()); err != nil {
			log.Printf("WARNING: Failed to load .env files: %v", err)
		}
	}

	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Verbose logging enabled")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
