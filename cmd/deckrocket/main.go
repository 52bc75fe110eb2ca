package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/rescp17/deckrocket/internal/config"
)

type flags struct {
	config    string
	name      string
	port      int
	dir       string
	settings  string
	logLevel  string
	yes       bool
	ephemeral bool
	files     []string
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:          "deckrocket",
		Short:        "Drive a presentation on another machine over the local network",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&f.config, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&f.name, "name", "", "Device name shown to peers")
	cmd.PersistentFlags().IntVar(&f.port, "port", config.DefaultPort, "Port the host listens on for invitations")
	cmd.PersistentFlags().StringVar(&f.dir, "dir", "", "Directory received documents are stored in")
	cmd.PersistentFlags().StringVar(&f.settings, "settings", "", "Path to the settings database")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	presentCmd := &cobra.Command{
		Use:   "present",
		Short: "Find a host and control its presentation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			return runPresent(cmd.Context(), cfg, f.ephemeral)
		},
	}
	presentCmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Load every received document without asking")
	presentCmd.Flags().BoolVar(&f.ephemeral, "ephemeral", false, "Keep settings in memory only")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Advertise this machine and accept a presenter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg, f.files)
		},
	}
	hostCmd.Flags().StringSliceVarP(&f.files, "file", "f", nil, "Document to send to the presenter once connected (.pdf or .md, repeatable)")

	cmd.AddCommand(presentCmd, hostCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fang.Execute(ctx, cmd); err != nil {
		os.Exit(1)
	}
}

// load reads the config file and applies any flags given explicitly.
func (f *flags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("name") {
		cfg.Name = f.name
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("dir") {
		cfg.DocumentsDir = f.dir
	}
	if changed("settings") {
		cfg.SettingsPath = f.settings
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("yes") {
		cfg.AutoAccept = f.yes
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
