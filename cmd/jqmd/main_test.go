package main

import (
	"log/slog"
	"testing"
)

func TestRunFailsWithoutConfigFile(t *testing.T) {
	logger := slog.Default()
	if err := run("/nonexistent/jqmd.yaml", "", logger); err == nil {
		t.Fatal("expected an error when the config file does not exist")
	}
}
