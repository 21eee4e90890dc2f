// Package downloader implements the client side of the download
// protocol: catalog retrieval, offset-aware per-file fetching with a
// persistent progress ledger, and consumption of the continuous
// multi-file stream.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gamedepot/gamedepot/internal/catalog"
)

// ErrEmptyCatalog indicates the game's catalog has zero total size,
// which signals a misconfigured or empty game directory.
var ErrEmptyCatalog = errors.New("game catalog is empty")

const (
	defaultCatalogTimeout = 10 * time.Second
	defaultFileTimeout    = time.Hour
)

// Client talks to a download server. Catalog requests use a short
// timeout; file transfers run on a separate client whose timeout is a
// safety net for wedged connections, not an expected bound.
type Client struct {
	baseURL  string
	apiKey   string
	log      *slog.Logger
	catalog  *http.Client
	transfer *http.Client
}

// NewClient builds a client for serverURL. Zero timeouts fall back to
// the defaults.
func NewClient(serverURL, apiKey string, catalogTimeout, fileTimeout time.Duration, logger *slog.Logger) *Client {
	if catalogTimeout <= 0 {
		catalogTimeout = defaultCatalogTimeout
	}
	if fileTimeout <= 0 {
		fileTimeout = defaultFileTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(serverURL, "/"),
		apiKey:   apiKey,
		log:      logger,
		catalog:  &http.Client{Timeout: catalogTimeout},
		transfer: &http.Client{Timeout: fileTimeout},
	}
}

// GameSummary is one entry of the server's game listing.
type GameSummary struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description"`
	ClientConfig map[string]any `json:"configToClient"`
}

// GameFiles is the full catalog response for one game.
type GameFiles struct {
	GameID       string          `json:"game_id"`
	GameName     string          `json:"game_name"`
	Files        []catalog.Entry `json:"files"`
	TotalFiles   int             `json:"total_files"`
	TotalSize    int64           `json:"total_size"`
	ClientConfig map[string]any  `json:"configToClient"`
}

// Games fetches the server's game listing.
func (c *Client) Games(ctx context.Context) ([]GameSummary, error) {
	var resp struct {
		Games []GameSummary `json:"games"`
	}
	if err := c.getJSON(ctx, "/games", &resp); err != nil {
		return nil, err
	}
	return resp.Games, nil
}

// GameFiles fetches the full catalog for gameID.
func (c *Client) GameFiles(ctx context.Context, gameID string) (*GameFiles, error) {
	var resp GameFiles
	if err := c.getJSON(ctx, "/games/"+url.PathEscape(gameID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.catalog.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// OpenFile requests relPath of gameID starting at offset and returns
// the response body. The caller must close it.
func (c *Client) OpenFile(ctx context.Context, gameID, relPath string, offset int64) (io.ReadCloser, error) {
	target := fmt.Sprintf("%s/download/file/%s/%s", c.baseURL, url.PathEscape(gameID), escapePath(relPath))
	if offset > 0 {
		target += "?offset=" + strconv.FormatInt(offset, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, err
	}

	want := http.StatusOK
	if offset > 0 {
		want = http.StatusPartialContent
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	if offset > 0 {
		cr := resp.Header.Get("Content-Range")
		if !strings.HasPrefix(cr, fmt.Sprintf("bytes %d-", offset)) {
			resp.Body.Close()
			return nil, fmt.Errorf("server returned unexpected Content-Range %q for offset %d", cr, offset)
		}
	}
	return resp.Body, nil
}

// OpenStream requests the continuous stream for gameID starting at the
// given progress percent.
func (c *Client) OpenStream(ctx context.Context, gameID string, progress float64, chunkSize int) (io.ReadCloser, http.Header, error) {
	q := url.Values{}
	q.Set("progress", strconv.FormatFloat(progress, 'f', -1, 64))
	if chunkSize > 0 {
		q.Set("chunk_size", strconv.Itoa(chunkSize))
	}
	target := fmt.Sprintf("%s/download/stream/%s?%s", c.baseURL, url.PathEscape(gameID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	c.setHeaders(req)

	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, nil, responseError(resp)
	}
	return resp.Body, resp.Header, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// escapePath escapes each path segment while keeping the separators.
func escapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// responseError surfaces the server's JSON error body when present.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
