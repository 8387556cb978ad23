// reconctl is the operator CLI for the recon server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL    string
	pollInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "reconctl",
	Short:         "Drive scans and agent runs on a recon server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	_ = godotenv.Load()

	defaultURL := os.Getenv("RECON_SERVER")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "recon server base URL")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll", 2*time.Second, "status polling interval")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
