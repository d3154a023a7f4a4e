// rtcored runs the rtcore keyboard pipeline and stack monitor.
//
//	rtcored [run]       Run in the foreground until SIGINT/SIGTERM
//	rtcored init        Write a default configuration file
//	rtcored version     Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rtcore/internal/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("rtcored", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default: platform config dir)")
	fs.Usage = usage
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		if found := config.FindConfigFile(); found != "" {
			path = found
		} else {
			path = config.ConfigPath()
		}
	}

	switch cmd {
	case "run":
		os.Exit(cmdRun(path))
	case "init":
		cmdInit(path)
	case "version":
		fmt.Printf("rtcored %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `rtcored - keyboard pipeline and stack monitor daemon

USAGE:
    rtcored [command] [-config <path>]

COMMANDS:
    run         Run the daemon in the foreground (default)
    init        Write a default configuration file
    version     Print the version
    help        Show this help message

ENVIRONMENT:
    RTCORE_DATA_DIR, RTCORE_STORAGE_PATH, RTCORE_LOG_LEVEL, RTCORE_LOG_FORMAT,
    RTCORE_LOG_PATH, RTCORE_HTTP_ADDR, RTCORE_TRACE_PATH, RTCORE_TICK_HZ`)
}

func cmdInit(path string) {
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
	} else {
		fmt.Printf("Configuration already exists at %s\n", path)
	}
}

func cmdRun(path string) int {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	defer loader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		return 1
	}
	defer d.Close()

	if err := loader.Watch(); err != nil {
		d.log.Warn("config hot reload disabled", "error", err)
	} else {
		loader.OnChange(d.reloadRecovered)
		go d.logReloadErrors(ctx, loader.Errors())
	}

	if err := d.Run(ctx); err != nil {
		d.log.Error("daemon stopped with error", "error", err)
		return 1
	}
	return 0
}
