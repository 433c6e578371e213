package ctl

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Config carries the persistent settings shared by every subcommand.
type Config struct {
	Addr    string
	Timeout time.Duration
}

func defaultConfig() *Config {
	return &Config{
		Addr:    envStr("VISIOND_ADDR", "http://127.0.0.1:8080"),
		Timeout: envDuration("VISIOND_CLIENT_TIMEOUT", 2*time.Minute),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func readAll(r io.Reader) ([]byte, error) { return io.ReadAll(r) }

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns an exit code (0 for success, non-zero on error).
func MainWithArgs(args []string) int {
	root := buildRootCmdWith(defaultConfig())
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// Main returns an exit code for use by cmd/visionctl.
func Main() int { return MainWithArgs(os.Args[1:]) }
