// Package cliutil holds presentation helpers shared by oncfsdctl's
// subcommands. Grounded on internal/cli/output/table.go's tablewriter
// configuration, trimmed to the one rendering style oncfsdctl uses
// everywhere: borderless, left-aligned, two-space padded.
package cliutil

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// PrintTable renders headers and rows as a borderless table to w.
func PrintTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
