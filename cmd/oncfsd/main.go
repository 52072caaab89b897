// Command oncfsd runs the ONC/RPC file server core: the TCP/UDP RPC
// transports, the portmapper, the oplock manager, and the admin surface, wired together per the configuration file and loaded flags.
package main

import (
	"fmt"
	"os"

	"github.com/oncfsd/oncfsd/cmd/oncfsd/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
