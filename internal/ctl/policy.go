package ctl

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policySnapshotCmd)
	policyCmd.AddCommand(policyVersionCmd)
	policyCmd.AddCommand(policyRollbackCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Publish, inspect, or roll back policy snapshots",
}

var policySnapshotCmd = &cobra.Command{
	Use:   "snapshot FILE",
	Short: "Publish a policy snapshot from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicySnapshot,
}

func runPolicySnapshot(cmd *cobra.Command, args []string) error {
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read snapshot file: %w", err)
	}
	resp, err := doPost("/policy/snapshot", "application/json", blob)
	if err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}

var policyVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the currently active policy version and checksum",
	RunE:  runPolicyVersion,
}

func runPolicyVersion(cmd *cobra.Command, args []string) error {
	resp, err := doGet("/policy/version")
	if err != nil {
		return err
	}
	var v struct {
		Version  string `json:"version"`
		Checksum string `json:"checksum"`
	}
	if err := sonic.Unmarshal(resp, &v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("version:  %s\nchecksum: %s\n", v.Version, v.Checksum)
	return nil
}

var policyRollbackCmd = &cobra.Command{
	Use:   "rollback VERSION",
	Short: "Roll back to a previously published policy version",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyRollback,
}

func runPolicyRollback(cmd *cobra.Command, args []string) error {
	payload, err := sonic.Marshal(map[string]string{"version": args[0]})
	if err != nil {
		return err
	}
	if _, err := doPost("/policy/rollback", "application/json", payload); err != nil {
		return err
	}
	fmt.Printf("rolled back to %s\n", args[0])
	return nil
}
