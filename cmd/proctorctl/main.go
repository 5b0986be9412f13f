// proctorctl - development tooling for the proctoring client
//
//	proctorctl serve       Run the mock assessment backend
//	proctorctl simulate    Run a scripted attempt against an in-process backend
//	proctorctl clip        Inspect or patch recorded violation clips
//	proctorctl config      Show, validate or initialise configuration
package main

import (
	"fmt"
	"os"

	"proctor/internal/config"
	"proctor/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		cmdServe()
	case "simulate":
		cmdSimulate()
	case "clip":
		cmdClip()
	case "config":
		cmdConfig()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`proctorctl - Proctoring client development tool

USAGE:
    proctorctl <command> [options]

COMMANDS:
    serve               Run the mock assessment backend
    simulate            Run a scripted proctored attempt end to end
    clip inspect <f>    Show the declared duration of a WebM clip
    clip patch <f>      Rewrite the declared duration of a WebM clip
    config show         Print the effective configuration
    config validate <f> Check a configuration file
    config init [f]     Write the default configuration
    help                Show this help message

CONFIGURATION:
    Every command accepts -config <path>. Without it the first of
    ./config.{toml,json,yaml,yml} and the platform config directory
    is used, falling back to built-in defaults. PROCTOR_* environment
    variables override file values.`)
}

// resolveConfigPath returns path, or the discovered config file.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(resolveConfigPath(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg *config.Config, component string) *logging.Logger {
	log, err := logging.New(cfg.LoggerConfig(component))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	return log
}

// openJournal opens the configured journal, or path when given. It
// returns nil when neither asks for one.
func openJournal(cfg *config.Config, path string) *logging.Journal {
	rc := cfg.JournalRotation()
	switch {
	case path != "":
		rc.Path = path
	case !cfg.Journal.Enabled:
		return nil
	}
	j, err := logging.OpenJournal(rc, "proctor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		os.Exit(1)
	}
	return j
}
