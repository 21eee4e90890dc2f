// Package streamfmt implements the boundary framing of the continuous
// multi-file download stream: a delimiter line, Filename and Size
// header lines, and a content-start delimiter, followed by counted raw
// bytes. Both sides share this one grammar; the marker strings are part
// of the wire contract and must not change.
package streamfmt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// BoundaryMarker opens a file segment header.
	BoundaryMarker = "--FILE_BOUNDARY--"
	// ContentMarker closes the header; the file's bytes follow.
	ContentMarker = "--FILE_CONTENT--"

	filenameKey = "Filename: "
	sizeKey     = "Size: "
)

var (
	// ErrBadBoundary indicates a segment did not start with the
	// boundary marker line.
	ErrBadBoundary = errors.New("missing file boundary marker")
	// ErrBadHeader indicates a malformed Filename/Size header line.
	ErrBadHeader = errors.New("malformed boundary header")
)

// Header describes the file segment that follows a boundary. Size is
// the file's full declared size, not the remaining bytes.
type Header struct {
	Filename string
	Size     int64
}

// WriteHeader emits a complete boundary marker for h.
func WriteHeader(w io.Writer, h Header) error {
	_, err := fmt.Fprintf(w, "%s\n%s%s\n%s%d\n%s\n",
		BoundaryMarker, filenameKey, h.Filename, sizeKey, h.Size, ContentMarker)
	return err
}

// Reader parses boundary markers off a continuous stream. File content
// between markers is counted, never scanned: after ReadHeader the
// caller must consume exactly the segment's byte count (via Read or
// io.CopyN) before reading the next header.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for boundary parsing.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Read passes through to the underlying buffered stream so segment
// bytes can be drained from the same reader.
func (r *Reader) Read(p []byte) (int, error) {
	return r.br.Read(p)
}

// ReadHeader consumes one boundary marker. io.EOF at the very first
// byte means the stream ended cleanly between segments.
func (r *Reader) ReadHeader() (Header, error) {
	line, err := r.readLine()
	if err != nil {
		return Header{}, err
	}
	if line != BoundaryMarker {
		return Header{}, fmt.Errorf("%w: got %q", ErrBadBoundary, line)
	}

	name, err := r.readLine()
	if err != nil {
		return Header{}, unexpectedEOF(err)
	}
	if !strings.HasPrefix(name, filenameKey) {
		return Header{}, fmt.Errorf("%w: got %q", ErrBadHeader, name)
	}
	h := Header{Filename: strings.TrimPrefix(name, filenameKey)}
	if h.Filename == "" {
		return Header{}, fmt.Errorf("%w: empty filename", ErrBadHeader)
	}

	sizeLine, err := r.readLine()
	if err != nil {
		return Header{}, unexpectedEOF(err)
	}
	if !strings.HasPrefix(sizeLine, sizeKey) {
		return Header{}, fmt.Errorf("%w: got %q", ErrBadHeader, sizeLine)
	}
	h.Size, err = strconv.ParseInt(strings.TrimPrefix(sizeLine, sizeKey), 10, 64)
	if err != nil || h.Size < 0 {
		return Header{}, fmt.Errorf("%w: bad size in %q", ErrBadHeader, sizeLine)
	}

	content, err := r.readLine()
	if err != nil {
		return Header{}, unexpectedEOF(err)
	}
	if content != ContentMarker {
		return Header{}, fmt.Errorf("%w: got %q", ErrBadHeader, content)
	}
	return h, nil
}

func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
