package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/austinkregel/local-media/audiobookd/internal/config"
	"github.com/austinkregel/local-media/audiobookd/internal/log"
	cc "github.com/ivanpirog/coloredcobra"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var cfgMgr *config.Manager

func init() {
	rootCmd.PersistentFlags().String("config", "", "Configuration directory (default: ~/.config/audiobookd)")
	rootCmd.PersistentFlags().String("socket", "", "IPC socket path (default: /tmp/audiobookd-<uid>.sock)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")
	rootCmd.Flags().Bool("test-mode", false, "Run in test mode (auto-approve pairing)")

	rootCmd.AddCommand(importCmd, ctlCmd, versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "audiobookd",
	Short: "Headless audiobook playback daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir := lo.Must(cmd.Flags().GetString("config"))
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(home, ".config", "audiobookd")
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		cfgMgr = config.NewManager(dir)
		if err := cfgMgr.Load(); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		v := cfgMgr.Viper()
		lo.Must0(v.BindPFlag(config.IPCSocket, cmd.Flags().Lookup("socket")))
		if f := cmd.Flags().Lookup("test-mode"); f != nil {
			lo.Must0(v.BindPFlag(config.TestMode, f))
		}
		if lo.Must(cmd.Flags().GetBool("verbose")) {
			v.Set(config.LogsLevel, "debug")
		}

		return log.Setup(cfgMgr.Get().Logs, dir)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), cfgMgr)
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("audiobookd", Version)
	},
}

// Execute runs the root command
func Execute() {
	cc.Init(&cc.Config{
		RootCmd:       rootCmd,
		Headings:      cc.HiCyan + cc.Bold + cc.Underline,
		Commands:      cc.HiYellow + cc.Bold,
		Example:       cc.Italic,
		ExecName:      cc.Bold,
		Flags:         cc.Bold,
		FlagsDataType: cc.Italic + cc.HiBlue,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// socketPath resolves the IPC socket path
func socketPath(cfg *config.Config) string {
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return fmt.Sprintf("/tmp/audiobookd-%d.sock", os.Getuid())
}
