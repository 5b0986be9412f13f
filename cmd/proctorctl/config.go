package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"proctor/internal/config"
)

func cmdConfig() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: proctorctl config <show|validate|init> [options]")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "show":
		configShow(os.Args[3:])
	case "validate":
		configValidate(os.Args[3:])
	case "init":
		configInit(os.Args[3:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func configShow(args []string) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	asJSON := fs.Bool("json", false, "Print JSON instead of TOML")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Printf("# %s\n", resolveConfigPath(*configPath))
	if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
		os.Exit(1)
	}
}

func configValidate(args []string) {
	fs := flag.NewFlagSet("config validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: proctorctl config validate <file>")
		os.Exit(1)
	}

	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ValidateSchemaFile(path, data); err != nil {
		fmt.Printf("%s: INVALID\n  %v\n", path, err)
		os.Exit(1)
	}
	if _, err := config.Load(path); err != nil {
		fmt.Printf("%s: INVALID\n  %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("%s: OK\n", path)
}

func configInit(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	path := config.ConfigPath()
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", path)
		os.Exit(1)
	}
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Default configuration written to %s\n", path)
}
