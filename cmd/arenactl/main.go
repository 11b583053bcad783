// Command arenactl manages models and runs arena prompts from the terminal
// without starting the HTTP server.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	root := newRootCmd(loadServices)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "arenactl:", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
