package main

import (
	"encoding/json"
	"fmt"
	"os"

	"syncroom/internal/config"
)

// Version is the syncroomd build version.
const Version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main can skip the flag.Parse/device-bootstrap path entirely.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("syncroomd %s\n", Version)
		return true
	case "config":
		return cliConfig(args[1:])
	default:
		return false
	}
}

func cliConfig(args []string) bool {
	if len(args) == 0 || args[0] == "show" {
		cfg := config.Load()
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return true
	}
	if args[0] == "reset" {
		if err := config.Save(config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "error resetting config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("config reset to defaults")
		return true
	}
	fmt.Fprintf(os.Stderr, "usage: syncroomd config [show|reset]\n")
	os.Exit(1)
	return true
}
