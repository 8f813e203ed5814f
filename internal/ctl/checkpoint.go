package ctl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointExportCmd)
	checkpointCmd.AddCommand(checkpointImportCmd)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Export or import the engine's full checkpoint bundle",
}

var checkpointExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Write the current checkpoint bundle to FILE",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointExport,
}

func runCheckpointExport(cmd *cobra.Command, args []string) error {
	blob, err := doGet("/checkpoint/export")
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], blob, 0o600); err != nil {
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	fmt.Printf("wrote %d bytes to %s\n", len(blob), args[0])
	return nil
}

var checkpointImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Restore a checkpoint bundle from FILE (only accepted before the engine observes live traffic)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointImport,
}

func runCheckpointImport(cmd *cobra.Command, args []string) error {
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read checkpoint file: %w", err)
	}
	if _, err := doPost("/checkpoint/import", "application/octet-stream", blob); err != nil {
		return err
	}
	fmt.Println("checkpoint imported")
	return nil
}
