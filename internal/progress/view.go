package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// View is everything the renderer shows about a running download.
type View struct {
	Game       string
	InstallDir string
	Mode       string
	Stats      Stats
}

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Render starts a periodic renderer for view and returns a stop
// function that draws one final frame. On a TTY the frame is redrawn
// in place; otherwise a status line is appended once per second.
func Render(ctx context.Context, w io.Writer, view func() View) func() {
	ticker := time.NewTicker(100 * time.Millisecond)
	stop := make(chan struct{})
	isTTY := IsTTY(w)
	lastLines := 0
	var renderMu sync.Mutex
	if !isTTY {
		ticker.Stop()
		ticker = time.NewTicker(1 * time.Second)
	} else {
		fmt.Fprint(w, "\033[?25l")
	}

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		if isTTY {
			if lastLines > 0 {
				fmt.Fprintf(w, "\033[%dA", lastLines)
				fmt.Fprint(w, "\033[J")
			}
			lines := 0
			fmt.Fprintf(w, "downloading %s to %s (%s mode)\n", v.Game, v.InstallDir, v.Mode)
			lines++
			fmt.Fprintf(w, "%s\n", colorize(formatTransferLine(v.Stats), colorGreen, isTTY))
			lines++
			currentFile := v.Stats.CurrentFile
			if currentFile == "" {
				currentFile = "-"
			}
			fmt.Fprintf(w, "%s\n", colorize(fmt.Sprintf("file: %s (%d/%d)", currentFile, v.Stats.FilesDone, v.Stats.FilesTotal), colorCyan, isTTY))
			lines++
			lastLines = lines
		} else {
			currentFile := v.Stats.CurrentFile
			if currentFile == "" {
				currentFile = "-"
			}
			fmt.Fprintf(w, "%s file=%s (%d/%d)\n", formatTransferLine(v.Stats), currentFile, v.Stats.FilesDone, v.Stats.FilesTotal)
		}
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	return func() {
		close(stop)
		renderOnce()
		if isTTY {
			fmt.Fprint(w, "\033[?25h")
		}
	}
}

func formatTransferLine(s Stats) string {
	bar := renderBar(s.Percent, 20)
	return fmt.Sprintf("%s %5.1f%%  %s  resumed=%d  ETA %s  (%s/%s)",
		bar,
		s.Percent,
		formatRate(s.RateBps),
		s.Resumed,
		formatETA(s.ETA),
		formatBytes(s.BytesDone),
		formatBytes(s.Total),
	)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatBytes(n int64) string {
	const (
		k = int64(1024)
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.0f KiB", float64(n)/float64(k))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
