package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/paddock-io/paddock/pkg/api"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paddock",
	Short: "Paddock - GPU instance lifecycle control plane",
	Long: `Paddock manages the full lifecycle of GPU compute instances against
an upstream cloud provider: creation, startup monitoring, health
checking, webhook notifications, idle auto-stop, spot migration and
periodic state reconciliation.`,
	Version: Version,
}

func init() {
	api.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Paddock version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}
