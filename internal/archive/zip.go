package archive

import (
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

type zipWriter struct {
	zw *zip.Writer
}

func newZipWriter(out io.Writer) *zipWriter {
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	return &zipWriter{zw: zw}
}

func (z *zipWriter) writeEntry(name string, modTime time.Time, _ int64, r io.Reader) (int64, error) {
	w, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modTime,
	})
	if err != nil {
		return 0, err
	}
	return io.Copy(w, r)
}

func (z *zipWriter) close() error {
	return z.zw.Close()
}
