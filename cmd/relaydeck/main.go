// Relaydeck is a terminal client for NIP-01 relays. It keeps one connection
// per configured relay, supervised by an overlord that reconnects with
// backoff, and shows the merged feed in a bubbletea TUI or, with -headless,
// prints it to stdout.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
)

// The presentation driver must stay on the main OS thread.
func init() { runtime.LockOSThread() }

func main() {
	// Handle subcommands before flag parsing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			initCmd := flag.NewFlagSet("init", flag.ExitOnError)
			initCmd.Usage = func() {
				fmt.Fprintf(os.Stderr, "Usage: relaydeck init [flags]\n\nCreate a .relaydeck directory and write its config interactively.\n\nFlags:\n")
				initCmd.PrintDefaults()
			}
			dir := initCmd.String("dir", ".relaydeck", "path to .relaydeck directory")
			_ = initCmd.Parse(os.Args[2:])

			if err := runInit(*dir); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		case "stats":
			statsCmd := flag.NewFlagSet("stats", flag.ExitOnError)
			statsCmd.Usage = func() {
				fmt.Fprintf(os.Stderr, "Usage: relaydeck stats [flags]\n\nPrint per-relay connection history.\n\nFlags:\n")
				statsCmd.PrintDefaults()
			}
			dir := statsCmd.String("dir", ".relaydeck", "path to .relaydeck directory")
			_ = statsCmd.Parse(os.Args[2:])

			if err := runStats(*dir, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relaydeck [flags]\n       relaydeck <command> [flags]\n\nFlags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n  init   Create a .relaydeck directory with a config\n  stats  Print per-relay connection history\n")
	}

	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to configuration file (default: .relaydeck/config.yaml or config.toml)")
	flag.StringVar(&opts.dir, "dir", ".relaydeck", "path to .relaydeck directory")
	flag.StringVar(&opts.envFile, "env", "", "path to .env file, ignored if missing (default: .relaydeck/.env)")
	flag.BoolVar(&opts.headless, "headless", false, "print the feed to stdout instead of starting the TUI")
	flag.StringVar(&opts.metrics, "metrics", "", "serve prometheus metrics on this address (e.g. :9464)")
	flag.BoolVar(&opts.resetSettings, "reset-settings", false, "discard saved settings and start from the config file")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv loads environment variables from path. If the file does not exist
// it is silently ignored so that .env files remain optional.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
