package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/tidewater/cmd/backup"
	"github.com/ValentinKolb/tidewater/cmd/repair"
	"github.com/ValentinKolb/tidewater/cmd/rotate"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "tidewater",
		Short: "storage engine maintenance utility",
		Long: fmt.Sprintf(`tidewater (v%s)

Maintenance utility for the tidewater KV engine adapter: hot backups to a
local directory or an S3-compatible object store, table verification and
repair, and encryption master key rotation.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tidewater",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tidewater v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(backup.BackupCmd)
	RootCmd.AddCommand(repair.RepairCmd)
	RootCmd.AddCommand(rotate.RotateCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
