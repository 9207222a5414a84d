package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrUnknownLength is returned when a tar entry is added without a size.
var ErrUnknownLength = errors.New("tar.zst entries need a known length")

type tarZstWriter struct {
	enc *zstd.Encoder
	tw  *tar.Writer
}

func newTarZstWriter(out io.Writer) (*tarZstWriter, error) {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create Zstandard writer: %w", err)
	}
	return &tarZstWriter{enc: enc, tw: tar.NewWriter(enc)}, nil
}

func (t *tarZstWriter) writeEntry(name string, modTime time.Time, size int64, r io.Reader) (int64, error) {
	if size < 0 {
		return 0, ErrUnknownLength
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  modTime,
		Format:   tar.FormatPAX,
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	n, err := io.CopyN(t.tw, r, size)
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: source ended after %d of %d bytes", ErrShortWrite, n, size)
	}
	return n, err
}

func (t *tarZstWriter) close() error {
	if err := t.tw.Close(); err != nil {
		t.enc.Close()
		return err
	}
	return t.enc.Close()
}
