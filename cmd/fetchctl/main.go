// Command fetchctl is a terminal client for the media fetch service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"media-fetch-service/internal/client"
)

var (
	serverURL string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "fetchctl",
	Short:         "Look up and download media through the fetch service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := os.Getenv("FETCH_SERVER")
	if def == "" {
		def = "http://localhost:3000"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", def, "service base URL (env FETCH_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "overall limit per HTTP request, file transfer included (0 means none)")
	rootCmd.AddCommand(infoCmd, downloadCmd)
}

func newAPI() *client.API {
	return client.NewAPI(serverURL, &http.Client{Timeout: timeout})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+describe(err))
		os.Exit(1)
	}
}
