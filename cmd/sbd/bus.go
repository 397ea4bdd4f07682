package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/ipc"
	"github.com/sprintbot/sprintbot/internal/ui"
)

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Show the IPC socket path and whether the daemon answers on it",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(cfg.SocketPath)

		cli, err := ipc.TryConnect(cfg.SocketPath)
		if err != nil || cli == nil {
			fmt.Println(ui.RenderMuted("not listening"))
			return
		}
		defer cli.Close()
		if err := cli.Ping(); err != nil {
			fmt.Println(ui.RenderWarn("socket present but unresponsive: " + err.Error()))
			return
		}
		fmt.Println(ui.RenderPass("listening"))
	},
}

func init() {
	rootCmd.AddCommand(busCmd)
}
