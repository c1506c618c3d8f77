package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/resonant/internal/observability"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "resonantctl",
		Short:         "Send, receive and inspect V-Frame streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			observability.InitLogger("resonantctl")
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML peer config (default: built-in defaults)")
	root.AddCommand(newRecvCmd(), newSendCmd(), newFrameCmd(), newArchiveCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "resonantctl: %v\n", err)
		os.Exit(1)
	}
}
