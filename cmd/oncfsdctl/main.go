// Command oncfsdctl is the operator CLI for a running oncfsd server: it
// dumps portmapper registrations directly over RPC, and lists or
// force-breaks oplocks through oncfsd's admin HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/oncfsd/oncfsd/cmd/oncfsdctl/commands"
)

var version = "dev"

func main() {
	commands.Version = version

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
