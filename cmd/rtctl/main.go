// rtctl is the control CLI for rtcored.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"rtcore/internal/config"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

// errInvalid marks a failed check whose findings were already printed.
var errInvalid = errors.New("invalid")

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "status":
		err = cmdStatus(os.Stdout, loadConfig())
	case "report":
		err = cmdReport(os.Stdout, loadConfig())
	case "history":
		limit := 20
		if flag.NArg() >= 2 {
			n, perr := strconv.Atoi(flag.Arg(1))
			if perr != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "Invalid count: %s\n", flag.Arg(1))
				os.Exit(1)
			}
			limit = n
		}
		err = cmdHistory(os.Stdout, loadConfig(), limit)
	case "trace":
		if flag.NArg() < 3 || flag.Arg(1) != "validate" {
			fmt.Fprintln(os.Stderr, "Usage: rtctl trace validate <file>")
			os.Exit(1)
		}
		err = cmdTraceValidate(os.Stdout, flag.Arg(2))
	case "config":
		if flag.NArg() < 2 || flag.Arg(1) != "check" {
			fmt.Fprintln(os.Stderr, "Usage: rtctl config check")
			os.Exit(1)
		}
		err = cmdConfigCheck(os.Stdout, loadConfig())
	case "db":
		sub := ""
		if flag.NArg() >= 2 {
			sub = flag.Arg(1)
		}
		switch sub {
		case "info":
			err = cmdDBInfo(os.Stdout, loadConfig())
		case "rollback":
			err = cmdDBRollback(os.Stdout, loadConfig())
		default:
			fmt.Fprintln(os.Stderr, "Usage: rtctl db info|rollback")
			os.Exit(1)
		}
	case "crashes":
		err = cmdCrashes(os.Stdout, config.CrashDir())
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `rtctl - Control utility for rtcored

Usage: rtctl [options] <command> [args]

Commands:
  status                 Query the running daemon's health endpoint
  report                 Print the latest stack scan
  history [n]            Print the n most recent key events (default 20)
  trace validate <file>  Check a key trace against the trace schema
  config check           Validate the configuration file
  db info                Print schema version and row counts
  db rollback            Undo the newest schema migration
  crashes                List rtcored crash reports
  help                   Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
