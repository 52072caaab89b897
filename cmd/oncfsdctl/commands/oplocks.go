package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oncfsd/oncfsd/internal/cliutil"
)

var oplocksCmd = &cobra.Command{
	Use:   "oplocks",
	Short: "Inspect and manage oplocks held by a running oncfsd",
}

var oplocksLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every path currently holding an oplock",
	RunE:  runOplocksLs,
}

var forceBreakCmd = &cobra.Command{
	Use:   "force-break <path>",
	Short: "Manually fail an outstanding oplock break, releasing its deferred requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runForceBreak,
}

var forceBreakYes bool

func init() {
	forceBreakCmd.Flags().BoolVarP(&forceBreakYes, "yes", "y", false, "skip the confirmation prompt")
	oplocksCmd.AddCommand(oplocksLsCmd)
	oplocksCmd.AddCommand(forceBreakCmd)
}

// oplockEntry mirrors internal/admin's oplockEntryJSON wire shape.
type oplockEntry struct {
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	Owners      int       `json:"owners"`
	Deferred    int       `json:"deferred"`
	BreakSentAt time.Time `json:"break_sent_at,omitempty"`
	FailedBreak bool      `json:"failed_break"`
}

func runOplocksLs(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, adminAddr+"/debug/oplocks", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s/debug/oplocks: %w", adminAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin surface returned %s", resp.Status)
	}

	var entries []oplockEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		breakState := "-"
		if !e.BreakSentAt.IsZero() {
			breakState = e.BreakSentAt.Format(time.RFC3339)
			if e.FailedBreak {
				breakState += " (failed)"
			}
		}
		rows[i] = []string{e.Path, e.Type, strconv.Itoa(e.Owners), strconv.Itoa(e.Deferred), breakState}
	}
	cliutil.PrintTable(cmd.OutOrStdout(), []string{"Path", "Type", "Owners", "Deferred", "Break"}, rows)
	return nil
}

func runForceBreak(cmd *cobra.Command, args []string) error {
	path := args[0]

	ok, err := cliutil.Confirm(fmt.Sprintf("Force-break the oplock on %q", path), forceBreakYes)
	if err != nil {
		return err
	}
	if !ok {
		cmd.Println("aborted")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoint := adminAddr + "/debug/oplocks/force-break?" + url.Values{"path": {path}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("force-break failed: %s", resp.Status)
	}

	cmd.Printf("forced break on %q\n", path)
	return nil
}
