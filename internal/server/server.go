// Package server implements the HTTP surface of the download server:
// catalog listing, progress-based start resolution, ranged single-file
// delivery and the continuous multi-file stream.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/gamedepot/gamedepot/internal/bufpool"
	"github.com/gamedepot/gamedepot/internal/catalog"
	"github.com/gamedepot/gamedepot/internal/config"
	"github.com/gamedepot/gamedepot/internal/events"
	"github.com/gamedepot/gamedepot/internal/resume"
	"github.com/gamedepot/gamedepot/pkg/streamfmt"
)

// Version is reported by the status endpoint.
const Version = "4.0.0"

// Stream chunk size bounds. Requests outside the range are clamped,
// never rejected.
const (
	MinChunkSize     = 1024
	MaxChunkSize     = 1024 * 1024
	DefaultChunkSize = 64 * 1024
)

// chunkBufs backs both delivery endpoints; one capacity serves every
// clamped chunk size.
var chunkBufs = bufpool.New(MaxChunkSize)

// Server holds the loaded configuration and serves all routes. Game
// directories are rescanned per request so catalog responses always
// reflect the directory contents at call time.
type Server struct {
	snap *config.Snapshot
	log  *slog.Logger
	hub  *events.Hub

	upgrader websocket.Upgrader
}

// New builds a Server around a loaded configuration snapshot.
func New(snap *config.Snapshot, logger *slog.Logger) *Server {
	return &Server{
		snap: snap,
		log:  logger,
		hub:  events.NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub exposes the activity feed, mainly for tests.
func (s *Server) Hub() *events.Hub { return s.hub }

// Router wires all routes. The status, metrics and event-feed routes
// are open; everything touching game data requires the API key.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	// Traversal segments in download paths must reach SafeJoin rather
	// than being rewritten into a redirect.
	r.SkipClean(true)
	r.Use(metricsMiddleware)

	r.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/games", s.requireKey(s.handleListGames)).Methods(http.MethodGet)
	r.HandleFunc("/games/{game_id}", s.requireKey(s.handleGameFiles)).Methods(http.MethodGet)
	r.HandleFunc("/games/{game_id}/start", s.requireKey(s.handleStart)).Methods(http.MethodGet)
	r.HandleFunc("/download/file/{game_id}/{path:.*}", s.requireKey(s.handleFile)).Methods(http.MethodGet)
	r.HandleFunc("/download/stream/{game_id}", s.requireKey(s.handleStream)).Methods(http.MethodGet)

	return r
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]string{"error": message})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requireKey gates a handler behind the X-API-Key header. Verification
// can be switched off in the config for trusted networks.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			sendError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if !s.snap.VerifyEnabled() {
		return true
	}
	secret := s.snap.Server.SecretKey
	if secret == "" {
		s.log.Warn("no secret_key configured, allowing request")
		return true
	}
	key := r.Header.Get("X-API-Key")
	if key == secret {
		return true
	}
	s.log.Warn("rejected request with invalid API key", "remote", r.RemoteAddr)
	return false
}

type statusResponse struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	GamesCount int    `json:"games_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, statusResponse{
		Status:     "running",
		Name:       "gamedepot",
		Version:    Version,
		GamesCount: len(s.snap.Games),
	})
}

type gameSummary struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	ClientConfig map[string]any `json:"configToClient,omitempty"`
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	games := make([]gameSummary, 0, len(s.snap.Games))
	for _, g := range s.snap.Games {
		games = append(games, gameSummary{
			ID:           g.ID,
			Name:         g.Name,
			Version:      g.Version,
			Description:  g.Description,
			ClientConfig: g.ClientConfig,
		})
	}
	sendJSON(w, http.StatusOK, map[string][]gameSummary{"games": games})
}

type gameFileList struct {
	GameID       string             `json:"game_id"`
	GameName     string             `json:"game_name"`
	Files        []catalog.Entry    `json:"files"`
	TotalFiles   int                `json:"total_files"`
	TotalSize    int64              `json:"total_size"`
	FileTree     []catalog.TreeNode `json:"file_tree"`
	ClientConfig map[string]any     `json:"configToClient,omitempty"`
}

func (s *Server) handleGameFiles(w http.ResponseWriter, r *http.Request) {
	game, ok := s.snap.Game(mux.Vars(r)["game_id"])
	if !ok {
		sendError(w, http.StatusNotFound, "game not found")
		return
	}

	entries, tree, err := s.scanGame(game)
	if err != nil {
		s.log.Error("catalog scan failed", "game_id", game.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to scan game directory")
		return
	}

	sendJSON(w, http.StatusOK, gameFileList{
		GameID:       game.ID,
		GameName:     game.Name,
		Files:        entries,
		TotalFiles:   len(entries),
		TotalSize:    catalog.TotalSize(entries),
		FileTree:     tree,
		ClientConfig: game.ClientConfig,
	})
}

// progressSegment describes the share of the overall percentage range
// a single file covers under the equal-share model.
type progressSegment struct {
	StartPercent float64 `json:"start_percent"`
	EndPercent   float64 `json:"end_percent"`
	FileIndex    int     `json:"file_index"`
}

type startFile struct {
	catalog.Entry
	ProgressSegment *progressSegment `json:"progress_segment,omitempty"`
}

type startInfo struct {
	GameID          string         `json:"game_id"`
	StartFileIndex  int            `json:"start_file_index"`
	StartFilePath   string         `json:"start_file_path"`
	StartFileOffset int64          `json:"start_file_offset"`
	Files           []startFile    `json:"files"`
	Message         string         `json:"message"`
	ClientConfig    map[string]any `json:"configToClient,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	game, ok := s.snap.Game(mux.Vars(r)["game_id"])
	if !ok {
		sendError(w, http.StatusNotFound, "game not found")
		return
	}

	progress, err := parseProgress(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, _, err := s.scanGame(game)
	if err != nil {
		s.log.Error("catalog scan failed", "game_id", game.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to scan game directory")
		return
	}

	if len(entries) == 0 {
		sendJSON(w, http.StatusOK, startInfo{
			GameID:       game.ID,
			Files:        []startFile{},
			Message:      "game directory is empty",
			ClientConfig: game.ClientConfig,
		})
		return
	}

	point := resume.Resolve(entrySizes(entries), progress)

	files := make([]startFile, len(entries))
	for i, e := range entries {
		files[i] = startFile{Entry: e}
	}

	if point.Index >= len(entries) {
		sendJSON(w, http.StatusOK, startInfo{
			GameID:         game.ID,
			StartFileIndex: len(entries),
			Files:          files,
			Message:        "game already fully downloaded",
			ClientConfig:   game.ClientConfig,
		})
		return
	}

	share := 100.0 / float64(len(entries))
	for i := range files {
		files[i].ProgressSegment = &progressSegment{
			StartPercent: float64(i) * share,
			EndPercent:   float64(i+1) * share,
			FileIndex:    i,
		}
	}

	start := entries[point.Index]
	message := fmt.Sprintf("progress %s%%: starting at file %d of %d (%s)",
		formatPercent(progress), point.Index+1, len(entries), start.Path)
	if point.Offset > 0 {
		message += fmt.Sprintf(", %d bytes into the file", point.Offset)
	}

	sendJSON(w, http.StatusOK, startInfo{
		GameID:          game.ID,
		StartFileIndex:  point.Index,
		StartFilePath:   start.Path,
		StartFileOffset: point.Offset,
		Files:           files,
		Message:         message,
		ClientConfig:    game.ClientConfig,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	game, ok := s.snap.Game(vars["game_id"])
	if !ok {
		sendError(w, http.StatusNotFound, "game not found")
		return
	}

	offset := int64(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			sendError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = v
	}

	full, err := catalog.SafeJoin(game.Directory, vars["path"])
	if err != nil {
		sendError(w, http.StatusForbidden, "access to this path is forbidden")
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		sendError(w, http.StatusNotFound, "file not found")
		return
	}
	size := info.Size()

	if offset >= size {
		sendError(w, http.StatusRequestedRangeNotSatisfiable, "offset beyond end of file")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		s.log.Error("open failed", "path", vars["path"], "error", err)
		sendError(w, http.StatusInternalServerError, "cannot open file")
		return
	}
	defer f.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	w.Header().Set("Content-Length", strconv.FormatInt(size-offset, 10))

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			sendError(w, http.StatusInternalServerError, "cannot seek file")
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, size-1, size))
		w.WriteHeader(http.StatusPartialContent)
	}

	buf := chunkBufs.Get(DefaultChunkSize)
	n, err := io.CopyBuffer(w, f, buf)
	chunkBufs.Put(buf)
	fileBytesServed.Add(float64(n))
	if err != nil {
		s.log.Warn("file delivery interrupted", "game_id", game.ID, "path", vars["path"], "sent", n, "error", err)
		return
	}

	s.hub.Publish(events.Event{Type: events.TypeFileServed, GameID: game.ID, Path: vars["path"], Bytes: n})
	s.log.Info("file served", "game_id", game.ID, "path", vars["path"], "offset", offset, "bytes", n)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	game, ok := s.snap.Game(mux.Vars(r)["game_id"])
	if !ok {
		sendError(w, http.StatusNotFound, "game not found")
		return
	}

	progress, err := parseProgress(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	chunkSize := DefaultChunkSize
	if raw := r.URL.Query().Get("chunk_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid chunk_size")
			return
		}
		chunkSize = clampChunkSize(v)
	}

	entries, _, err := s.scanGame(game)
	if err != nil {
		s.log.Error("catalog scan failed", "game_id", game.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to scan game directory")
		return
	}
	if len(entries) == 0 {
		sendError(w, http.StatusNotFound, "game directory is empty")
		return
	}

	point := resume.Resolve(entrySizes(entries), progress)
	if point.Index >= len(entries) {
		sendError(w, http.StatusNotFound, "game already fully downloaded")
		return
	}

	// Advisory only: not recomputed if a file proves unreadable during
	// the actual stream. Clients parse boundary markers, not this.
	var remaining int64
	for i := point.Index; i < len(entries); i++ {
		remaining += entries[i].Size
	}
	remaining -= point.Offset

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", game.ID+".stream"))
	w.Header().Set("X-Content-Length", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-Game-Id", game.ID)
	w.Header().Set("X-Start-File-Index", strconv.Itoa(point.Index))
	w.Header().Set("X-Start-File-Path", entries[point.Index].Path)
	w.Header().Set("X-Total-Files", strconv.Itoa(len(entries)))
	w.Header().Set("X-Current-Progress", formatPercent(progress))
	w.WriteHeader(http.StatusOK)

	s.hub.Publish(events.Event{Type: events.TypeStreamStarted, GameID: game.ID, Path: entries[point.Index].Path})

	flusher, _ := w.(http.Flusher)
	buf := chunkBufs.Get(chunkSize)
	defer chunkBufs.Put(buf)
	var sent int64

	for i := point.Index; i < len(entries); i++ {
		e := entries[i]
		full, err := catalog.SafeJoin(game.Directory, e.Path)
		if err != nil {
			continue
		}

		offset := int64(0)
		if i == point.Index {
			offset = point.Offset
		}

		f, err := os.Open(full)
		if err != nil {
			// Files removed between scan and delivery are skipped, not
			// fatal. The client reconciles against the catalog it holds.
			s.log.Warn("skipping unreadable file in stream", "game_id", game.ID, "path", e.Path, "error", err)
			continue
		}

		if i > point.Index || offset > 0 {
			if err := streamfmt.WriteHeader(w, streamfmt.Header{Filename: e.Path, Size: e.Size}); err != nil {
				f.Close()
				s.log.Warn("stream interrupted", "game_id", game.ID, "sent", sent, "error", err)
				return
			}
		}

		if offset > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				s.log.Warn("skipping unseekable file in stream", "game_id", game.ID, "path", e.Path, "error", err)
				continue
			}
		}

		n, err := copyChunks(w, f, buf, flusher)
		f.Close()
		sent += n
		streamBytesServed.Add(float64(n))
		if err != nil {
			s.log.Warn("stream interrupted", "game_id", game.ID, "path", e.Path, "sent", sent, "error", err)
			return
		}
	}

	s.log.Info("stream completed", "game_id", game.ID, "start_index", point.Index, "bytes", sent)
}

// copyChunks copies src to dst in fixed-size reads, flushing after
// each write so partial data reaches the client promptly.
func copyChunks(dst io.Writer, src io.Reader, buf []byte, flusher http.Flusher) (int64, error) {
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// handleEvents upgrades the connection and forwards activity events as
// JSON text messages until the peer disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	remove := s.hub.Subscribe(func(ev events.Event) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	})
	defer remove()

	s.log.Info("event subscriber connected", "remote", r.RemoteAddr)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) scanGame(game config.Game) ([]catalog.Entry, []catalog.TreeNode, error) {
	start := time.Now()
	entries, tree, err := catalog.Scan(game.Directory, game.ID)
	catalogScanDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		catalogScansTotal.WithLabelValues("error").Inc()
		return nil, nil, err
	}
	catalogScansTotal.WithLabelValues("ok").Inc()
	s.hub.Publish(events.Event{Type: events.TypeCatalogScanned, GameID: game.ID, Bytes: catalog.TotalSize(entries)})
	return entries, tree, nil
}

func parseProgress(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("progress")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("invalid progress")
	}
	if v < 0 || v > 100 {
		return 0, errors.New("progress must be between 0 and 100")
	}
	return v, nil
}

func entrySizes(entries []catalog.Entry) []int64 {
	sizes := make([]int64, len(entries))
	for i, e := range entries {
		sizes[i] = e.Size
	}
	return sizes
}

func clampChunkSize(v int) int {
	if v < MinChunkSize {
		return MinChunkSize
	}
	if v > MaxChunkSize {
		return MaxChunkSize
	}
	return v
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
