// Package commands implements the peerpost command line.
package commands

import (
	"github.com/opd-ai/peerpost/config"
	"github.com/spf13/cobra"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	cfg        *config.Config
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "peerpost",
		Short:         "End-to-end encrypted peer-to-peer message delivery",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "TOML config file (default: built-in defaults)")

	root.AddCommand(a.keygenCmd(), a.idCmd(), a.peerCmd(), a.queueCmd(), a.serveCmd())
	return root
}

func (a *app) loadConfig() error {
	if a.configPath == "" {
		a.cfg = config.Default()
		return nil
	}
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}
