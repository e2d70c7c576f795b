package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/control"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
	"github.com/spf13/cobra"
)

// Exit codes, kept disjoint from cobra's own nonzero exit (1): 2 means
// the daemon is unreachable, 3 means the target change or snapshot does
// not exist, 4 means the daemon rejected the request (e.g. confirming a
// change that is already terminal).
const (
	exitOK          = 0
	exitUnreachable = 2
	exitNotFound    = 3
	exitRejected    = 4
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "revertit",
	Short:   "Administer a running meshadmin-revertit daemon",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("socket", control.SocketPath, "Path to the daemon's control socket")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(timeoutsCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(exitSafeModeCmd)

	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsCreateCmd)
	snapshotsCmd.AddCommand(snapshotsRestoreCmd)

	snapshotsCreateCmd.Flags().String("description", "", "Human-readable description stored with the snapshot")
}

func client(cmd *cobra.Command) *control.Client {
	path, _ := cmd.Flags().GetString("socket")
	return control.NewClient(path)
}

// call sends one request, exiting with the unreachable code if the
// daemon cannot be contacted at all.
func call(cmd *cobra.Command, req control.Request) control.Response {
	resp, err := client(cmd).Call(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reach revertitd: %v\n", err)
		os.Exit(exitUnreachable)
	}
	return resp
}

// rejectExit maps a daemon error to the exit-code contract: 3 when the
// target does not exist, 4 for any other rejection.
func rejectExit(errMsg string) {
	fmt.Fprintln(os.Stderr, errMsg)
	if strings.Contains(errMsg, "not found") {
		os.Exit(exitNotFound)
	}
	os.Exit(exitRejected)
}

// decodePayload re-marshals a Response's generic Payload into v, since
// it arrives off the wire as untyped JSON (map[string]any or []any),
// not the concrete struct the daemon originally returned.
func decodePayload(payload any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and pending change counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "status"})
		if !resp.OK {
			rejectExit(resp.Error)
		}

		var status struct {
			PendingChanges int                  `json:"pending_changes"`
			TotalChanges   int                  `json:"total_changes"`
			SafeMode       bool                 `json:"safe_mode"`
			Host           types.HostDescriptor `json:"host"`
		}
		if err := decodePayload(resp.Payload, &status); err != nil {
			return err
		}

		fmt.Printf("Host: %s %s (init=%s, network=%s, firewall=%s, package=%s)\n",
			status.Host.DistroFamily, status.Host.DistroVersion, status.Host.InitSystem,
			status.Host.NetworkManager, status.Host.FirewallSystem, status.Host.PackageManager)
		fmt.Printf("Pending changes: %d\n", status.PendingChanges)
		fmt.Printf("Total changes tracked: %d\n", status.TotalChanges)
		if status.SafeMode {
			fmt.Println("SAFE MODE: watcher degraded, new changes are not being tracked")
		}
		return nil
	},
}

var timeoutsCmd = &cobra.Command{
	Use:   "timeouts",
	Short: "List changes still awaiting confirmation (open or in grace)",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "list_changes"})
		if !resp.OK {
			rejectExit(resp.Error)
		}

		var changes []*types.PendingChange
		if err := decodePayload(resp.Payload, &changes); err != nil {
			return err
		}

		var waiting []*types.PendingChange
		for _, c := range changes {
			if c.State == types.ChangeOpen || c.State == types.ChangeGrace {
				waiting = append(waiting, c)
			}
		}
		if len(waiting) == 0 {
			fmt.Println("No changes awaiting confirmation")
			return nil
		}

		fmt.Printf("%-16s %-10s %-8s %-22s %s\n", "ID", "CATEGORY", "STATE", "DEADLINE", "PATHS")
		for _, c := range waiting {
			deadline := c.Deadline
			if c.State == types.ChangeGrace {
				deadline = c.GraceDeadline
			}
			fmt.Printf("%-16s %-10s %-8s %-22s %v\n", c.ID, c.Category, c.State, deadline.Format("2006-01-02 15:04:05"), c.Paths)
		}
		return nil
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List tracked changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "list_changes"})
		if !resp.OK {
			rejectExit(resp.Error)
		}

		var changes []*types.PendingChange
		if err := decodePayload(resp.Payload, &changes); err != nil {
			return err
		}
		if len(changes) == 0 {
			fmt.Println("No tracked changes")
			return nil
		}

		fmt.Printf("%-16s %-10s %-10s %s\n", "ID", "CATEGORY", "STATE", "PATHS")
		for _, c := range changes {
			fmt.Printf("%-16s %-10s %-10s %v\n", c.ID, c.Category, c.State, c.Paths)
		}
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm CHANGE_ID",
	Short: "Confirm a change, cancelling its scheduled revert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		resp := call(cmd, control.Request{Action: "confirm", ChangeID: args[0], ConfirmedBy: by})
		if !resp.OK {
			rejectExit(resp.Error)
		}
		fmt.Println("Confirmed:", args[0])
		return nil
	},
}

func init() {
	confirmCmd.Flags().String("by", "", "Identity to record as the confirming operator")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel CHANGE_ID",
	Short: "Cancel a change, reverting it immediately without waiting for its deadline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "cancel", ChangeID: args[0]})
		if !resp.OK {
			rejectExit(resp.Error)
		}
		fmt.Println("Cancelled, reverting:", args[0])
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Manage filesystem snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "snapshots_list"})
		if !resp.OK {
			rejectExit(resp.Error)
		}

		var snaps []*types.Snapshot
		if err := decodePayload(resp.Payload, &snaps); err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  origin=%s  %s\n", s.ID, s.Origin, s.Description)
		}
		return nil
	},
}

var snapshotsCreateCmd = &cobra.Command{
	Use:   "create [PATH...]",
	Short: "Capture a manual snapshot (of every watched path, when none are given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		resp := call(cmd, control.Request{Action: "snapshots_create", Paths: args, Description: desc})
		if !resp.OK {
			rejectExit(resp.Error)
		}

		var snap types.Snapshot
		if err := decodePayload(resp.Payload, &snap); err != nil {
			return err
		}
		fmt.Println("Snapshot created:", snap.ID)
		return nil
	},
}

var snapshotsRestoreCmd = &cobra.Command{
	Use:   "restore SNAPSHOT_ID",
	Short: "Restore a stored snapshot immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "snapshots_restore", SnapshotID: args[0]})
		if !resp.OK {
			rejectExit(resp.Error)
		}
		fmt.Println("Restored:", args[0])
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the daemon's self-test (snapshot round trip, reachability)",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "self_test"})

		var report control.SelfTestReport
		if err := decodePayload(resp.Payload, &report); err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if !resp.OK {
			os.Exit(exitRejected)
		}
		return nil
	},
}

var exitSafeModeCmd = &cobra.Command{
	Use:   "exit-safe-mode",
	Short: "Clear safe mode after resolving a watcher degradation",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := call(cmd, control.Request{Action: "exit_safe_mode"})
		if !resp.OK {
			rejectExit(resp.Error)
		}
		fmt.Println("Safe mode cleared")
		return nil
	},
}
