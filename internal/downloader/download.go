package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gamedepot/gamedepot/internal/catalog"
	"github.com/gamedepot/gamedepot/internal/ledger"
)

// ErrChecksumMismatch indicates a completed file's content does not
// match the catalog checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Downloader orchestrates a resumable game download. All callbacks are
// optional and are invoked from the downloading goroutine.
type Downloader struct {
	client    *Client
	log       *slog.Logger
	chunkSize int

	// OnCatalog reports the catalog shape once it is known.
	OnCatalog func(fileCount int, totalBytes int64)
	// OnProgress reports overall completion after every chunk.
	OnProgress func(done, total int64)
	// OnStatus reports human-readable phase changes.
	OnStatus func(message string)
	// OnChunk reports bytes received over the network.
	OnChunk func(n int)
	// OnFileStart reports the file about to transfer; resumed is true
	// when it continues from a previous partial download.
	OnFileStart func(path string, resumed bool)
	// OnFileDone reports a file that completed and verified.
	OnFileDone func(path string)
}

// New builds a Downloader. chunkSize bounds single reads; values below
// 1 fall back to 64 KiB.
func New(client *Client, logger *slog.Logger, chunkSize int) *Downloader {
	if chunkSize < 1 {
		chunkSize = 64 * 1024
	}
	return &Downloader{client: client, log: logger, chunkSize: chunkSize}
}

// Download fetches every incomplete file of gameID into installDir via
// offset-aware single-file requests. Files the ledger already marks
// complete are never requested. On success the ledger file is removed.
func (d *Downloader) Download(ctx context.Context, gameID, installDir string) error {
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return fmt.Errorf("cannot create install dir: %w", err)
	}

	gf, err := d.client.GameFiles(ctx, gameID)
	if err != nil {
		return fmt.Errorf("fetching catalog for %s: %w", gameID, err)
	}
	total := catalogTotal(gf.Files)
	if total == 0 {
		return fmt.Errorf("%w: game %s", ErrEmptyCatalog, gameID)
	}
	if d.OnCatalog != nil {
		d.OnCatalog(len(gf.Files), total)
	}

	led := ledger.Load(installDir)
	for _, e := range gf.Files {
		led.Ensure(installDir, e.Path, e.Size)
	}
	d.reportProgress(led.TotalDownloaded(), total)

	for _, e := range gf.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := led[e.Path]
		if entry.Downloaded >= e.Size {
			continue
		}
		if err := d.downloadFile(ctx, gameID, installDir, e, led, total); err != nil {
			return err
		}
	}

	d.finish(installDir)
	return nil
}

func (d *Downloader) downloadFile(ctx context.Context, gameID, installDir string, e catalog.Entry, led ledger.Ledger, total int64) error {
	local, err := catalog.SafeJoin(installDir, e.Path)
	if err != nil {
		return fmt.Errorf("refusing catalog path %q: %w", e.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}

	entry := led[e.Path]
	already := reconcileOffset(local, entry.Downloaded)
	if already != entry.Downloaded {
		d.log.Warn("ledger and local file disagree, restarting from local state",
			"path", e.Path, "ledger", entry.Downloaded, "local", already)
		entry.Downloaded = already
		led[e.Path] = entry
	}

	resumed := already > 0
	d.reportStatus("downloading: " + e.Path)
	if d.OnFileStart != nil {
		d.OnFileStart(e.Path, resumed)
	}
	if resumed {
		d.log.Info("resuming file", "path", e.Path, "offset", already)
	}

	body, err := d.client.OpenFile(ctx, gameID, e.Path, already)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", e.Path, err)
	}
	defer body.Close()

	out, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	buf := make([]byte, d.chunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return fmt.Errorf("writing %s: %w", e.Path, werr)
			}
			entry.Downloaded += int64(n)
			led[e.Path] = entry
			if d.OnChunk != nil {
				d.OnChunk(n)
			}
			d.reportProgress(led.TotalDownloaded(), total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return fmt.Errorf("receiving %s: %w", e.Path, rerr)
		}
	}
	if err := out.Close(); err != nil {
		return err
	}

	if entry.Downloaded != e.Size {
		return fmt.Errorf("short delivery of %s: got %d of %d bytes", e.Path, entry.Downloaded, e.Size)
	}

	if err := verifyChecksum(local, e.Checksum); err != nil {
		// Discard the broken local copy so the next run refetches it.
		led[e.Path] = ledger.Entry{Size: e.Size}
		if serr := ledger.Save(installDir, led); serr != nil {
			d.log.Error("cannot save ledger", "error", serr)
		}
		return fmt.Errorf("%s: %w", e.Path, err)
	}

	if err := ledger.Save(installDir, led); err != nil {
		return fmt.Errorf("saving progress ledger: %w", err)
	}
	if d.OnFileDone != nil {
		d.OnFileDone(e.Path)
	}
	return nil
}

// reconcileOffset picks the resume offset for a file given its ledger
// count. The local file is truncated to the chosen offset so appended
// bytes always continue a consistent prefix.
func reconcileOffset(local string, ledgered int64) int64 {
	fi, err := os.Stat(local)
	if err != nil {
		return 0
	}
	offset := ledgered
	if fi.Size() < offset {
		offset = fi.Size()
	}
	if fi.Size() != offset {
		if err := os.Truncate(local, offset); err != nil {
			return 0
		}
	}
	return offset
}

func (d *Downloader) finish(installDir string) {
	if err := ledger.Delete(installDir); err != nil && !os.IsNotExist(err) {
		d.log.Warn("cannot remove progress ledger", "error", err)
		d.reportStatus("warning: could not remove progress ledger")
	}
	d.reportStatus("download complete")
}

func (d *Downloader) reportProgress(done, total int64) {
	if d.OnProgress != nil {
		d.OnProgress(done, total)
	}
}

func (d *Downloader) reportStatus(message string) {
	if d.OnStatus != nil {
		d.OnStatus(message)
	}
}

func catalogTotal(entries []catalog.Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// verifyChecksum compares the file at path against a catalog checksum
// of the form "sha256:<hex>". Entries without a checksum pass.
func verifyChecksum(path, want string) error {
	if want == "" {
		return nil
	}
	hexWant, ok := strings.CutPrefix(want, "sha256:")
	if !ok {
		return fmt.Errorf("unsupported checksum format %q", want)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, hexWant) {
		return fmt.Errorf("%w: got sha256:%s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}
