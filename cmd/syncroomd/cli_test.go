package main

import "testing"

func TestRunCLIReturnsFalseForUnknownSubcommand(t *testing.T) {
	if RunCLI([]string{"bogus"}) {
		t.Fatalf("RunCLI should return false for an unrecognized subcommand")
	}
}

func TestRunCLIReturnsFalseForNoArgs(t *testing.T) {
	if RunCLI(nil) {
		t.Fatalf("RunCLI should return false with no arguments")
	}
}

func TestRunCLIHandlesVersion(t *testing.T) {
	if !RunCLI([]string{"version"}) {
		t.Fatalf("RunCLI should handle the version subcommand")
	}
}

func TestRunCLIHandlesConfigShow(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if !RunCLI([]string{"config", "show"}) {
		t.Fatalf("RunCLI should handle config show")
	}
}
