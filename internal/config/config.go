// Package config holds the two configuration surfaces: the catalog
// config file the server loads once at startup, and the flag/env
// runtime options of both binaries. The loaded catalog snapshot is
// immutable; nothing mutates it after startup.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// Game describes one serveable game in the catalog config.
type Game struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Directory    string         `json:"directory"`
	ClientConfig map[string]any `json:"configToClient,omitempty"`
}

// ServerSettings is the server section of the catalog config file.
type ServerSettings struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	SecretKey string `json:"secret_key"`
	Verify    *bool  `json:"verify"`
}

// Snapshot is the catalog configuration loaded once at process start
// and passed by reference into every request handler. Read-only after
// load; hot-reloading is out of scope.
type Snapshot struct {
	Server ServerSettings `json:"server"`
	Games  []Game         `json:"games"`
}

// LoadSnapshot parses the catalog config file. Game directories are
// not required to exist at load time; scanning reports that per
// request.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var s Snapshot
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &s, nil
}

// Game looks a game up by id.
func (s *Snapshot) Game(id string) (Game, bool) {
	for _, g := range s.Games {
		if g.ID == id {
			return g, true
		}
	}
	return Game{}, false
}

// VerifyEnabled reports whether API key verification is on. Defaults
// to on; a server with verification disabled accepts any key.
func (s *Snapshot) VerifyEnabled() bool {
	if s.Server.Verify == nil {
		return true
	}
	return *s.Server.Verify
}

// Addr returns the listen address from the server settings.
func (s *Snapshot) Addr() string {
	host := s.Server.Host
	port := s.Server.Port
	if port == 0 {
		port = 8000
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ServerConfig holds runtime options for the server binary.
type ServerConfig struct {
	ConfigPath string
	Addr       string // overrides the config file when set
	LogLevel   string
}

// ClientConfig holds runtime options for the client binary.
type ClientConfig struct {
	ServerURL      string
	APIKey         string
	GameID         string
	InstallDir     string
	LogLevel       string
	Stream         bool    // use the continuous-stream resume path
	Progress       float64 // starting percent for stream mode; negative derives it from the ledger
	ChunkSize      int     // stream chunk_size request parameter
	CatalogTimeout time.Duration
	FileTimeout    time.Duration
}

// ParseServerConfig parses server options from flags and environment
// variables. Flags take precedence over environment.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		ConfigPath: "config.json",
		LogLevel:   "info",
	}

	if v := os.Getenv("GAMEDEPOT_CONFIG"); v != "" {
		cfg.ConfigPath = v
	}
	if v := os.Getenv("GAMEDEPOT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("GAMEDEPOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "catalog config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (overrides config file)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ParseClientConfig parses client options from flags and environment
// variables. Flags take precedence over environment.
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		ServerURL:      "http://localhost:8000",
		InstallDir:     ".",
		LogLevel:       "info",
		Progress:       -1,
		ChunkSize:      64 * 1024,
		CatalogTimeout: 10 * time.Second,
		FileTimeout:    time.Hour,
	}

	if v := os.Getenv("GAMEDEPOT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("GAMEDEPOT_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("GAMEDEPOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "download server URL")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "shared-secret API key")
	fs.StringVar(&cfg.GameID, "game", cfg.GameID, "game id to download")
	fs.StringVar(&cfg.InstallDir, "install-dir", cfg.InstallDir, "install directory")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Stream, "stream", cfg.Stream, "use the continuous-stream resume path")
	fs.Float64Var(&cfg.Progress, "progress", cfg.Progress, "starting progress percent for stream mode (negative: derive from ledger)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "stream chunk size in bytes")
	fs.DurationVar(&cfg.CatalogTimeout, "catalog-timeout", cfg.CatalogTimeout, "timeout for catalog requests")
	fs.DurationVar(&cfg.FileTimeout, "file-timeout", cfg.FileTimeout, "safety-net timeout for file transfers")
	fs.Parse(args)

	return cfg
}
