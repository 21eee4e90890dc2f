package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gamedepot/gamedepot/internal/config"
	"github.com/gamedepot/gamedepot/internal/logging"
	"github.com/gamedepot/gamedepot/internal/server"
)

const serverVersion = "v1.0.0"

func main() {
	args := os.Args[1:]
	if hasHelpFlag(args) {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Println(serverVersion)
		return
	}

	cfg := config.ParseServerConfig()
	logger := logging.New("depotserv", cfg.LogLevel)

	snap, err := config.LoadSnapshot(cfg.ConfigPath)
	if err != nil {
		logger.Error("cannot load config", "path", cfg.ConfigPath, "error", err)
		os.Exit(1)
	}
	for _, g := range snap.Games {
		if _, err := os.Stat(g.Directory); err != nil {
			logger.Warn("game directory missing", "game_id", g.ID, "directory", g.Directory)
		}
	}

	addr := snap.Addr()
	if cfg.Addr != "" {
		addr = cfg.Addr
	}

	srv := server.New(snap, logger)
	logger.Info("starting download server",
		"addr", addr,
		"games", len(snap.Games),
		"verify", snap.VerifyEnabled())

	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: depotserv [--config PATH] [--addr HOST:PORT] [--log-level LEVEL]")
	fmt.Fprintln(os.Stderr, "  --config PATH      catalog config file (default config.json)")
	fmt.Fprintln(os.Stderr, "  --addr HOST:PORT   listen address (overrides the config file)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL  debug, info, warn or error (default info)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "environment: GAMEDEPOT_CONFIG, GAMEDEPOT_ADDR, GAMEDEPOT_LOG_LEVEL")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
