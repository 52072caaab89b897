// Package commands implements oncfsdctl, the operator CLI that talks to a
// running oncfsd process: dumping the portmapper's registered services and
// inspecting or force-breaking outstanding oplocks through the admin HTTP
// surface.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	Version = "dev"

	adminAddr   string
	portmapAddr string
)

var rootCmd = &cobra.Command{
	Use:           "oncfsdctl",
	Short:         "oncfsdctl - operator CLI for oncfsd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://127.0.0.1:9090", "oncfsd admin surface base URL")
	rootCmd.PersistentFlags().StringVar(&portmapAddr, "portmap-addr", "127.0.0.1:111", "portmapper address")

	rootCmd.AddCommand(portmapCmd)
	rootCmd.AddCommand(oplocksCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println("oncfsdctl " + Version)
		return nil
	},
}
