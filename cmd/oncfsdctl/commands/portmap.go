package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oncfsd/oncfsd/internal/cliutil"
	"github.com/oncfsd/oncfsd/internal/portmap"
)

var portmapCmd = &cobra.Command{
	Use:   "portmap",
	Short: "Inspect a portmapper's registered services",
}

var portmapDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "List every (program, version, protocol, port) mapping the portmapper holds",
	RunE:  runPortmapDump,
}

func init() {
	portmapCmd.AddCommand(portmapDumpCmd)
}

func runPortmapDump(cmd *cobra.Command, args []string) error {
	client := portmap.NewClient(portmapAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mappings, err := client.Dump(ctx)
	if err != nil {
		return fmt.Errorf("dump %s: %w", portmapAddr, err)
	}

	rows := make([][]string, len(mappings))
	for i, m := range mappings {
		rows[i] = []string{
			strconv.FormatUint(uint64(m.Program), 10),
			strconv.FormatUint(uint64(m.Version), 10),
			protoName(m.Protocol),
			strconv.FormatUint(uint64(m.Port), 10),
		}
	}
	cliutil.PrintTable(cmd.OutOrStdout(), []string{"Program", "Version", "Protocol", "Port"}, rows)
	return nil
}

func protoName(p uint32) string {
	switch p {
	case portmap.ProtoTCP:
		return "tcp"
	case portmap.ProtoUDP:
		return "udp"
	default:
		return strconv.FormatUint(uint64(p), 10)
	}
}
