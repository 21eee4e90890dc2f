package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gamedepot/gamedepot/internal/catalog"
	"github.com/gamedepot/gamedepot/internal/ledger"
	"github.com/gamedepot/gamedepot/internal/resume"
	"github.com/gamedepot/gamedepot/pkg/streamfmt"
)

// ErrStreamIncomplete indicates the stream ended before every catalog
// file reached its declared size.
var ErrStreamIncomplete = errors.New("stream ended with incomplete files")

// DownloadStream fetches gameID into installDir over the continuous
// multi-file stream. When progress is negative the resume percent is
// derived from the ledger: the first incomplete file's position under
// the equal-share model, rounded down to its segment start so every
// file is received whole and checksums stay verifiable.
//
// Both sides run the same resolver, so the client knows exactly which
// (file, offset) the headerless first segment belongs to.
func (d *Downloader) DownloadStream(ctx context.Context, gameID, installDir string, progress float64) error {
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

	if progress < 0 {
		progress = resumePercent(gf.Files, led)
	}
	if progress >= 100 {
		d.finish(installDir)
		return nil
	}

	sizes := make([]int64, len(gf.Files))
	for i, e := range gf.Files {
		sizes[i] = e.Size
	}
	point := resume.Resolve(sizes, progress)
	if point.Index >= len(gf.Files) {
		d.finish(installDir)
		return nil
	}

	body, _, err := d.client.OpenStream(ctx, gameID, progress, d.chunkSize)
	if err != nil {
		return fmt.Errorf("requesting stream: %w", err)
	}
	defer body.Close()

	byPath := make(map[string]catalog.Entry, len(gf.Files))
	for _, e := range gf.Files {
		byPath[e.Path] = e
	}

	sr := streamfmt.NewReader(body)

	// A segment starting at offset 0 at the head of the stream carries
	// no boundary; the resolver already told us which file it is.
	if point.Offset == 0 {
		if err := d.receiveSegment(ctx, sr, installDir, gf.Files[point.Index], 0, led, total); err != nil {
			return err
		}
	}

	for {
		h, err := sr.ReadHeader()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading stream boundary: %w", err)
		}

		e, ok := byPath[h.Filename]
		if !ok {
			return fmt.Errorf("stream contains unknown file %q", h.Filename)
		}
		if h.Size != e.Size {
			return fmt.Errorf("stream declares %d bytes for %s, catalog says %d", h.Size, h.Filename, e.Size)
		}

		offset := int64(0)
		if h.Filename == gf.Files[point.Index].Path {
			offset = point.Offset
		}
		if err := d.receiveSegment(ctx, sr, installDir, e, offset, led, total); err != nil {
			return err
		}
	}

	if !led.Complete() {
		if err := ledger.Save(installDir, led); err != nil {
			d.log.Error("cannot save ledger", "error", err)
		}
		return ErrStreamIncomplete
	}
	d.finish(installDir)
	return nil
}

// receiveSegment reads e.Size-offset bytes off the stream into the
// local copy of e, then verifies the completed file.
func (d *Downloader) receiveSegment(ctx context.Context, sr *streamfmt.Reader, installDir string, e catalog.Entry, offset int64, led ledger.Ledger, total int64) error {
	local, err := catalog.SafeJoin(installDir, e.Path)
	if err != nil {
		return fmt.Errorf("refusing stream path %q: %w", e.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}

	d.reportStatus("downloading: " + e.Path)
	if d.OnFileStart != nil {
		d.OnFileStart(e.Path, offset > 0)
	}

	out, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := out.Truncate(offset); err != nil {
		out.Close()
		return err
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()
		return err
	}

	entry := led[e.Path]
	entry.Downloaded = offset
	led[e.Path] = entry

	remaining := e.Size - offset
	buf := make([]byte, d.chunkSize)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		rn, rerr := io.ReadFull(sr, buf[:n])
		if rn > 0 {
			if _, werr := out.Write(buf[:rn]); werr != nil {
				out.Close()
				return fmt.Errorf("writing %s: %w", e.Path, werr)
			}
			entry.Downloaded += int64(rn)
			led[e.Path] = entry
			remaining -= int64(rn)
			if d.OnChunk != nil {
				d.OnChunk(rn)
			}
			d.reportProgress(led.TotalDownloaded(), total)
		}
		if rerr != nil {
			out.Close()
			if serr := ledger.Save(installDir, led); serr != nil {
				d.log.Error("cannot save ledger", "error", serr)
			}
			return fmt.Errorf("stream ended %d bytes short in %s: %w", remaining, e.Path, rerr)
		}
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := verifyChecksum(local, e.Checksum); err != nil {
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

// resumePercent maps the first incomplete file to the start of its
// equal-share segment. Partially downloaded bytes of that file are
// refetched; everything before it is skipped entirely.
func resumePercent(entries []catalog.Entry, led ledger.Ledger) float64 {
	if len(entries) == 0 {
		return 100
	}
	for i, e := range entries {
		if led[e.Path].Downloaded < e.Size {
			return float64(i) * 100 / float64(len(entries))
		}
	}
	return 100
}
