package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	driveragent "fleet-track/cmd/driver_agent"
	fleetwatch "fleet-track/cmd/fleet_watch"
	"fleet-track/internal/cli"
)

// defaultPath loops through lower Manhattan when no --path is given.
const defaultPath = "40.7128,-74.0060;40.7203,-74.0010;40.7306,-73.9975;40.7411,-73.9897;40.7306,-73.9975"

func main() {
	// quick path for global help
	if len(os.Args) == 2 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		cli.PrintUsage(os.Stdout)
		os.Exit(0)
	}

	// parse mode and collect the remaining args for that mode
	mode, appArgs, err := cli.ParseMode(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cli.PrintUsage(os.Stderr)
		os.Exit(2)
	}

	// context cancelled on SIGINT/SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// run the app specified by the mode flag
	switch mode {

	case cli.ModeDriverAgent:
		fs := flag.NewFlagSet(cli.ModeDriverAgent, flag.ContinueOnError)
		configPath := fs.String("config", "config/config.yaml", "Path to the YAML config file")
		driverID := fs.String("driver-id", "", "Driver to share for (defaults to the token subject)")
		share := fs.Bool("share", false, "Start sharing immediately instead of waiting for a shipment")
		path := fs.String("path", defaultPath, "Simulated route as lat,lng;lat,lng;...")
		speed := fs.Float64("speed", 40, "Simulated travel speed in km/h")
		cli.AttachUsage(fs, cli.ModeDriverAgent)

		if err := fs.Parse(appArgs); err != nil {
			if err == flag.ErrHelp {
				os.Exit(0)
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(2)
		}
		points, err := cli.ParsePath(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error: --path:", err)
			fs.Usage()
			os.Exit(2)
		}
		if *speed <= 0 {
			fmt.Fprintln(os.Stderr, "Error: --speed must be > 0")
			fs.Usage()
			os.Exit(2)
		}
		err = driveragent.Run(ctx, driveragent.Options{
			ConfigPath: *configPath,
			DriverID:   *driverID,
			Share:      *share,
			Path:       points,
			SpeedKmh:   *speed,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

	case cli.ModeFleetWatch:
		fs := flag.NewFlagSet(cli.ModeFleetWatch, flag.ContinueOnError)
		configPath := fs.String("config", "config/config.yaml", "Path to the YAML config file")
		maxConc := fs.Int("max-concurrent", 50, "Maximum number of concurrent HTTP requests to process")
		cli.AttachUsage(fs, cli.ModeFleetWatch)

		if err := fs.Parse(appArgs); err != nil {
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
		if err := fleetwatch.Run(ctx, *configPath, *maxConc); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

	default:
		// should not happen because ParseMode validates known modes
		fmt.Fprintln(os.Stderr, "Error: unknown mode")
		os.Exit(2)
	}

	// tiny delay to let deferred logs flush on very fast exits
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
}
