// Package archive writes backup artifacts: one compressed file per run,
// assembled from named entries and made visible under its final name only
// once every byte has reached disk.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDuplicateEntry is returned when an entry name was already written.
	ErrDuplicateEntry = errors.New("duplicate archive entry")
	// ErrShortWrite is returned when a stream's size disagrees with its declared length.
	ErrShortWrite = errors.New("entry length mismatch")
	// ErrClosed is returned by any call after Finalize or Abort.
	ErrClosed = errors.New("archive is closed")
	// ErrInvalidName is returned for empty or escaping entry names.
	ErrInvalidName = errors.New("invalid archive entry name")
	// ErrUnknownFormat is returned by Open for an unsupported format.
	ErrUnknownFormat = errors.New("unknown archive format")
)

// Format selects the container and compression of an artifact.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTarZst Format = "tar.zst"
)

// Extension returns the filename extension used for the format.
func (f Format) Extension() string { return string(f) }

// Entry describes one named stream written into the archive.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Source string `json:"source,omitempty"`
}

// entryWriter is the per-format container. Implementations compress at
// their maximum level; backups are rare and not latency sensitive.
type entryWriter interface {
	// writeEntry copies r into a new entry and returns the bytes copied.
	// size is -1 when unknown.
	writeEntry(name string, modTime time.Time, size int64, r io.Reader) (int64, error)
	// close flushes the container and compressor, not the file.
	close() error
}

// Writer assembles one artifact. It is safe for use by one goroutine at a
// time; calls are serialized internally.
type Writer struct {
	mu      sync.Mutex
	dest    string
	tmpPath string
	file    *os.File
	ew      entryWriter
	ewDone  bool
	entries []Entry
	names   map[string]struct{}
	closed  bool
	broken  error
	now     func() time.Time
}

// Open creates a hidden temporary file next to dest and returns a Writer
// that will rename it to dest on Finalize.
func Open(dest string, format Format) (*Writer, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.partial")
	if err != nil {
		return nil, fmt.Errorf("create temporary artifact: %w", err)
	}

	var ew entryWriter
	switch format {
	case FormatZip:
		ew = newZipWriter(f)
	case FormatTarZst:
		ew, err = newTarZstWriter(f)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	return &Writer{
		dest:    dest,
		tmpPath: f.Name(),
		file:    f,
		ew:      ew,
		names:   make(map[string]struct{}),
		now:     time.Now,
	}, nil
}

// Path returns the final artifact path.
func (w *Writer) Path() string { return w.dest }

// Entries returns the entries written so far, in order.
func (w *Writer) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// AddStream copies r into the archive under name. When length is not
// negative the copied byte count must match it.
func (w *Writer) AddStream(name string, r io.Reader, length int64) error {
	return w.add(name, r, length, "")
}

// AddFile copies the file at filePath into the archive under name. The
// file's bytes have been fully consumed when AddFile returns, so the caller
// may delete it immediately afterwards.
func (w *Writer) AddFile(name, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %q: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", filePath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", filePath)
	}
	return w.add(name, f, info.Size(), filePath)
}

func (w *Writer) add(name string, r io.Reader, length int64, source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.broken != nil {
		return fmt.Errorf("archive unusable after earlier failure: %w", w.broken)
	}
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	if _, ok := w.names[clean]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, clean)
	}

	n, err := w.ew.writeEntry(clean, w.now(), length, r)
	if err == nil && length >= 0 && n != length {
		err = fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, length)
	}
	if err != nil {
		// The container holds a partial entry now; only Abort is valid.
		w.broken = fmt.Errorf("write entry %s: %w", clean, err)
		return w.broken
	}

	w.names[clean] = struct{}{}
	w.entries = append(w.entries, Entry{Name: clean, Size: n, Source: source})
	return nil
}

// Finalize flushes the container, syncs the file to stable storage and
// renames it to its final path. It returns the artifact size in bytes. On
// error the temporary file is left for Abort to remove.
func (w *Writer) Finalize() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.broken != nil {
		return 0, fmt.Errorf("archive unusable after earlier failure: %w", w.broken)
	}
	w.ewDone = true
	if err := w.ew.close(); err != nil {
		return 0, fmt.Errorf("close container: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync %q: %w", w.tmpPath, err)
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		return 0, fmt.Errorf("close %q: %w", w.tmpPath, err)
	}
	w.file = nil
	if err := os.Rename(w.tmpPath, w.dest); err != nil {
		return 0, fmt.Errorf("rename into %q: %w", w.dest, err)
	}
	syncDir(filepath.Dir(w.dest))

	w.closed = true
	w.tmpPath = ""
	return info.Size(), nil
}

// Abort discards the artifact. It never touches an already finalized
// artifact and may be called more than once.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	var errs []error
	if !w.ewDone {
		// Releases compressor goroutines; the partial output is discarded.
		_ = w.ew.close()
		w.ewDone = true
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			errs = append(errs, err)
		}
		w.file = nil
	}
	if w.tmpPath != "" {
		if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		w.tmpPath = ""
	}
	return errors.Join(errs...)
}

// cleanName normalizes an entry name to a relative slash path.
func cleanName(name string) (string, error) {
	name = strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "/")
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	clean := path.Clean(name)
	if clean == "." || clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}

// syncDir makes the rename durable. Not every platform supports it, so
// failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
