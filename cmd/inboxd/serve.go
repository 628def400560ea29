package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		gin.SetMode(a.Config.Server.Mode)
		return a.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().String("server.addr", ":3000", "HTTP listen address")
	serveCmd.Flags().Int("sync.interval_sec", 0, "scheduled sync interval in seconds, 0 disables")
}
