package main

import (
	"context"
	"fmt"
	"os"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/config"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/daemon"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "revertitd",
	Short:   "meshadmin-revertit daemon",
	Long:    "revertitd watches configured system files, snapshots their prior state, and auto-reverts unconfirmed changes after a grace period.",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("revertitd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "/etc/meshadmin-revertit/config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override global.log_level from the configuration file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs as JSON instead of console-formatted text")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	levelFlag, _ := rootCmd.PersistentFlags().GetString("log-level")

	level := log.InfoLevel
	if levelFlag != "" {
		level = log.Level(levelFlag)
	}
	log.Init(log.Config{Level: level, JSONOutput: logJSON})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if levelFlag, _ := cmd.Flags().GetString("log-level"); levelFlag == "" {
		logJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(cfg.Global.LogLevel), JSONOutput: logJSON})
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	return d.Run(context.Background())
}
