package downloader

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gamedepot/gamedepot/internal/config"
	"github.com/gamedepot/gamedepot/internal/ledger"
	"github.com/gamedepot/gamedepot/internal/logging"
	"github.com/gamedepot/gamedepot/internal/server"
)

const testKey = "test-key"

type env struct {
	t          *testing.T
	files      map[string][]byte
	gameDir    string
	installDir string
	srv        *httptest.Server

	mu       sync.Mutex
	requests []string
}

// newEnv starts a real server over a two-file game directory. The
// optional middleware wraps the router, inside request recording.
func newEnv(t *testing.T, middleware func(next http.Handler) http.Handler) *env {
	t.Helper()
	e := &env{
		t:          t,
		gameDir:    t.TempDir(),
		installDir: t.TempDir(),
		files: map[string][]byte{
			"a.bin": randomBytes(t, 100),
			"b.bin": randomBytes(t, 300),
		},
	}
	for name, data := range e.files {
		if err := os.WriteFile(filepath.Join(e.gameDir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	snap := &config.Snapshot{
		Server: config.ServerSettings{SecretKey: testKey},
		Games:  []config.Game{{ID: "g1", Name: "Test Game", Directory: e.gameDir}},
	}
	var h http.Handler = server.New(snap, discardLogger()).Router()
	if middleware != nil {
		h = middleware(h)
	}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.requests = append(e.requests, r.URL.RequestURI())
		e.mu.Unlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) downloader() *Downloader {
	logger := discardLogger()
	return New(NewClient(e.srv.URL, testKey, 0, 0, logger), logger, 8*1024)
}

func (e *env) downloadRequests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, r := range e.requests {
		if strings.HasPrefix(r, "/download/") {
			out = append(out, r)
		}
	}
	return out
}

func (e *env) assertInstalled(t *testing.T) {
	t.Helper()
	for name, want := range e.files {
		got, err := os.ReadFile(filepath.Join(e.installDir, name))
		if err != nil {
			t.Fatalf("reading installed %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("installed %s differs from source", name)
		}
	}
	if _, err := os.Stat(ledger.Path(e.installDir)); !os.IsNotExist(err) {
		t.Fatal("expected progress ledger to be removed after completion")
	}
}

func discardLogger() *slog.Logger {
	return logging.NewWithWriter(io.Discard, "test", "error")
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDownloadFull(t *testing.T) {
	e := newEnv(t, nil)
	d := e.downloader()

	var lastDone, lastTotal int64
	d.OnProgress = func(done, total int64) { lastDone, lastTotal = done, total }

	if err := d.Download(context.Background(), "g1", e.installDir); err != nil {
		t.Fatalf("Download: %v", err)
	}
	e.assertInstalled(t)
	if lastDone != 400 || lastTotal != 400 {
		t.Fatalf("final progress = %d/%d, want 400/400", lastDone, lastTotal)
	}
}

func TestDownloadResumeAfterCrash(t *testing.T) {
	e := newEnv(t, nil)

	// Simulate a crash 40 bytes into a.bin: ledger and local file agree.
	if err := os.WriteFile(filepath.Join(e.installDir, "a.bin"), e.files["a.bin"][:40], 0o644); err != nil {
		t.Fatal(err)
	}
	led := ledger.Ledger{
		"a.bin": {Size: 100, Downloaded: 40},
		"b.bin": {Size: 300, Downloaded: 0},
	}
	if err := ledger.Save(e.installDir, led); err != nil {
		t.Fatal(err)
	}

	if err := e.downloader().Download(context.Background(), "g1", e.installDir); err != nil {
		t.Fatalf("Download: %v", err)
	}
	e.assertInstalled(t)

	var sawOffset bool
	for _, r := range e.downloadRequests() {
		if strings.Contains(r, "a.bin?offset=40") {
			sawOffset = true
		}
	}
	if !sawOffset {
		t.Fatalf("expected an offset=40 request for a.bin, got %v", e.downloadRequests())
	}
}

func TestDownloadResumeLedgerAheadOfFile(t *testing.T) {
	e := newEnv(t, nil)

	// Ledger claims more than the local file holds; the downloader must
	// fall back to the local length rather than leave a gap.
	if err := os.WriteFile(filepath.Join(e.installDir, "a.bin"), e.files["a.bin"][:20], 0o644); err != nil {
		t.Fatal(err)
	}
	led := ledger.Ledger{
		"a.bin": {Size: 100, Downloaded: 70},
		"b.bin": {Size: 300, Downloaded: 0},
	}
	if err := ledger.Save(e.installDir, led); err != nil {
		t.Fatal(err)
	}

	if err := e.downloader().Download(context.Background(), "g1", e.installDir); err != nil {
		t.Fatalf("Download: %v", err)
	}
	e.assertInstalled(t)
}

func TestDownloadAlreadyCompleteMakesNoDataRequests(t *testing.T) {
	e := newEnv(t, nil)
	for name, data := range e.files {
		if err := os.WriteFile(filepath.Join(e.installDir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	d := e.downloader()
	var firstDone, firstTotal int64
	var once sync.Once
	d.OnProgress = func(done, total int64) {
		once.Do(func() { firstDone, firstTotal = done, total })
	}

	if err := d.Download(context.Background(), "g1", e.installDir); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if reqs := e.downloadRequests(); len(reqs) != 0 {
		t.Fatalf("expected zero data requests, got %v", reqs)
	}
	if firstDone != 400 || firstTotal != 400 {
		t.Fatalf("initial progress = %d/%d, want 400/400", firstDone, firstTotal)
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	corrupt := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/download/file/g1/a.bin") {
				w.Header().Set("Content-Length", "100")
				w.WriteHeader(http.StatusOK)
				w.Write(bytes.Repeat([]byte{0xff}, 100))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	e := newEnv(t, corrupt)

	err := e.downloader().Download(context.Background(), "g1", e.installDir)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}

	led := ledger.Load(e.installDir)
	if entry := led["a.bin"]; entry.Downloaded != 0 {
		t.Fatalf("expected a.bin ledger entry reset to 0, got %d", entry.Downloaded)
	}
}

func TestDownloadEmptyCatalog(t *testing.T) {
	e := newEnv(t, nil)
	for name := range e.files {
		if err := os.Remove(filepath.Join(e.gameDir, name)); err != nil {
			t.Fatal(err)
		}
	}

	err := e.downloader().Download(context.Background(), "g1", e.installDir)
	if !errors.Is(err, ErrEmptyCatalog) {
		t.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}
}

func TestStreamDownloadFull(t *testing.T) {
	e := newEnv(t, nil)

	if err := e.downloader().DownloadStream(context.Background(), "g1", e.installDir, -1); err != nil {
		t.Fatalf("DownloadStream: %v", err)
	}
	e.assertInstalled(t)
}

func TestStreamResumeSkipsCompleteFiles(t *testing.T) {
	e := newEnv(t, nil)

	// a.bin is already complete and ledgered; only b.bin should flow.
	if err := os.WriteFile(filepath.Join(e.installDir, "a.bin"), e.files["a.bin"], 0o644); err != nil {
		t.Fatal(err)
	}
	led := ledger.Ledger{
		"a.bin": {Size: 100, Downloaded: 100},
		"b.bin": {Size: 300, Downloaded: 0},
	}
	if err := ledger.Save(e.installDir, led); err != nil {
		t.Fatal(err)
	}

	if err := e.downloader().DownloadStream(context.Background(), "g1", e.installDir, -1); err != nil {
		t.Fatalf("DownloadStream: %v", err)
	}
	e.assertInstalled(t)

	reqs := e.downloadRequests()
	if len(reqs) != 1 || !strings.Contains(reqs[0], "/download/stream/g1") {
		t.Fatalf("expected exactly one stream request, got %v", reqs)
	}
	if !strings.Contains(reqs[0], "progress=50") {
		t.Fatalf("expected progress=50 in stream request, got %v", reqs)
	}
}

func TestStreamAlreadyCompleteMakesNoDataRequests(t *testing.T) {
	e := newEnv(t, nil)
	for name, data := range e.files {
		if err := os.WriteFile(filepath.Join(e.installDir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.downloader().DownloadStream(context.Background(), "g1", e.installDir, -1); err != nil {
		t.Fatalf("DownloadStream: %v", err)
	}
	if reqs := e.downloadRequests(); len(reqs) != 0 {
		t.Fatalf("expected zero data requests, got %v", reqs)
	}
}

func TestStreamIncompleteLeavesLedger(t *testing.T) {
	e := newEnv(t, nil)

	// b.bin vanished from the server but a stale ledger still expects
	// it, so the stream ends before every entry completes.
	if err := os.Remove(filepath.Join(e.gameDir, "b.bin")); err != nil {
		t.Fatal(err)
	}
	led := ledger.Ledger{
		"a.bin": {Size: 100, Downloaded: 0},
		"b.bin": {Size: 300, Downloaded: 0},
	}
	if err := ledger.Save(e.installDir, led); err != nil {
		t.Fatal(err)
	}

	err := e.downloader().DownloadStream(context.Background(), "g1", e.installDir, -1)
	if !errors.Is(err, ErrStreamIncomplete) {
		t.Fatalf("expected ErrStreamIncomplete, got %v", err)
	}
	if _, err := os.Stat(ledger.Path(e.installDir)); err != nil {
		t.Fatal("expected ledger to survive an incomplete stream")
	}
}
