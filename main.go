package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	trackingservice "med-dispatch/cmd/tracking_service"
)

func main() {
	fs := flag.NewFlagSet("med-dispatch", flag.ContinueOnError)
	configPath := fs.String("config", "./config/config.yaml", "Path to the YAML configuration file")
	maxConc := fs.Int("max-concurrent", 200, "Maximum number of concurrent HTTP requests to process")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	if *maxConc < 1 {
		fmt.Fprintln(os.Stderr, "Error: --max-concurrent must be >= 1")
		fs.Usage()
		os.Exit(2)
	}

	// context cancelled on SIGINT/SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := trackingservice.Run(ctx, *configPath, *maxConc); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	// tiny delay to let deferred logs flush on very fast exits
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
}
