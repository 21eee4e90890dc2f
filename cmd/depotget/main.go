package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gamedepot/gamedepot/internal/config"
	"github.com/gamedepot/gamedepot/internal/downloader"
	"github.com/gamedepot/gamedepot/internal/logging"
	"github.com/gamedepot/gamedepot/internal/progress"
)

const clientVersion = "v1.0.0"

func main() {
	args := os.Args[1:]
	if hasHelpFlag(args) {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Println(clientVersion)
		return
	}

	cfg := config.ParseClientConfig()
	logger := logging.New("depotget", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := downloader.NewClient(cfg.ServerURL, cfg.APIKey, cfg.CatalogTimeout, cfg.FileTimeout, logger)

	if cfg.GameID == "" {
		if err := listGames(ctx, client); err != nil {
			logger.Error("cannot list games", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := download(ctx, client, cfg, logger); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted, progress saved")
			os.Exit(130)
		}
		logger.Error("download failed", "game", cfg.GameID, "error", err)
		os.Exit(1)
	}
}

func listGames(ctx context.Context, client *downloader.Client) error {
	games, err := client.Games(ctx)
	if err != nil {
		return err
	}
	if len(games) == 0 {
		fmt.Println("no games available")
		return nil
	}
	for _, g := range games {
		line := fmt.Sprintf("%s  %s", g.ID, g.Name)
		if g.Version != "" {
			line += "  (v" + g.Version + ")"
		}
		fmt.Println(line)
		if g.Description != "" {
			fmt.Println("    " + g.Description)
		}
	}
	return nil
}

func download(ctx context.Context, client *downloader.Client, cfg config.ClientConfig, logger *slog.Logger) error {
	d := downloader.New(client, logger, cfg.ChunkSize)

	meter := progress.NewMeter()
	d.OnCatalog = func(files int, total int64) { meter.Start(total, files) }
	d.OnChunk = meter.Add
	d.OnFileStart = meter.StartFile
	d.OnFileDone = func(string) { meter.FinishFile() }
	d.OnStatus = func(msg string) { logger.Debug(msg) }

	var seedOnce sync.Once
	d.OnProgress = func(done, total int64) {
		seedOnce.Do(func() { meter.Advance(done) })
	}

	mode := "files"
	if cfg.Stream {
		mode = "stream"
	}
	stopRender := progress.Render(ctx, os.Stdout, func() progress.View {
		return progress.View{
			Game:       cfg.GameID,
			InstallDir: cfg.InstallDir,
			Mode:       mode,
			Stats:      meter.Snapshot(),
		}
	})
	defer stopRender()

	if cfg.Stream {
		return d.DownloadStream(ctx, cfg.GameID, cfg.InstallDir, cfg.Progress)
	}
	return d.Download(ctx, cfg.GameID, cfg.InstallDir)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: depotget --game ID [--install-dir DIR] [options]")
	fmt.Fprintln(os.Stderr, "  --server-url URL        download server URL (default http://localhost:8000)")
	fmt.Fprintln(os.Stderr, "  --api-key KEY           shared-secret API key")
	fmt.Fprintln(os.Stderr, "  --game ID               game to download (omit to list games)")
	fmt.Fprintln(os.Stderr, "  --install-dir DIR       install directory (default .)")
	fmt.Fprintln(os.Stderr, "  --stream                use the continuous-stream resume path")
	fmt.Fprintln(os.Stderr, "  --progress P            starting percent for stream mode (negative: derive from ledger)")
	fmt.Fprintln(os.Stderr, "  --chunk-size N          stream chunk size in bytes (default 65536)")
	fmt.Fprintln(os.Stderr, "  --catalog-timeout D     timeout for catalog requests (default 10s)")
	fmt.Fprintln(os.Stderr, "  --file-timeout D        safety-net timeout for file transfers (default 1h)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL       debug, info, warn or error (default info)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "environment: GAMEDEPOT_SERVER_URL, GAMEDEPOT_API_KEY, GAMEDEPOT_LOG_LEVEL")
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
