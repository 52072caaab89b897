// Package commands implements the oncfsd server CLI: a cobra root command
// with a persistent --config flag.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time via ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "oncfsd",
	Short: "oncfsd - ONC/RPC file server core",
	Long: `oncfsd serves filesystem contents over ONC/RPC (NFS/Mount/Portmap)
and coordinates SMB oplocks between sessions sharing the same underlying
files.

Use "oncfsd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/oncfsd/config.yaml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("oncfsd %s (commit: %s, built: %s)\n", Version, Commit, Date)
		return nil
	},
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
