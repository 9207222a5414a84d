package operations

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/kebairia/posebackup/internal/archive"
	"github.com/kebairia/posebackup/internal/database"
)

// ImagesPrefix is the archive directory holding the image binaries.
const ImagesPrefix = "images/"

// BlobSource enumerates and reads the stored image binaries.
type BlobSource interface {
	ListBlobs(ctx context.Context) ([]database.BlobInfo, error)
	OpenBlob(ctx context.Context, id string) (io.ReadCloser, error)
}

// exportBlobs copies every blob that existed when the listing was taken.
// The first failing blob aborts the run so the artifact stays a consistent
// snapshot.
func (om *OperationManager) exportBlobs(ctx context.Context, stage *staging, w *archive.Writer) (SourceOutcome, error) {
	outcome := SourceOutcome{Source: SourceImages}
	blobs, err := om.deps.Blobs.ListBlobs(ctx)
	if err != nil {
		return outcome, &ExportError{Source: SourceImages, Err: fmt.Errorf("list blobs: %w", err)}
	}
	om.log.Info("exporting images", "count", len(blobs))

	names := newBlobNamer()
	for i, b := range blobs {
		if err := ctx.Err(); err != nil {
			return outcome, &ExportError{Source: SourceImages, Object: b.ID, Err: context.Cause(ctx)}
		}
		name := names.entryName(b)
		err := stage.withFile(fmt.Sprintf("blob-%06d", i),
			func(p string) error {
				if err := om.stageBlob(ctx, b, p); err != nil {
					return &ExportError{Source: SourceImages, Object: b.ID, Err: err}
				}
				return nil
			},
			func(p string) error {
				if err := w.AddFile(name, p); err != nil {
					return &ArchiveError{Op: "add " + name, Err: err}
				}
				return nil
			},
		)
		if err != nil {
			return outcome, err
		}
		outcome.Entries++
		outcome.Bytes += b.Length
	}
	return outcome, nil
}

func (om *OperationManager) stageBlob(ctx context.Context, b database.BlobInfo, dest string) error {
	r, err := om.deps.Blobs.OpenBlob(ctx, b.ID)
	if err != nil {
		return err
	}
	defer r.Close()

	return writeFile(dest, func(f *os.File) error {
		n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		if n != b.Length {
			return fmt.Errorf("%w: staged %d bytes, store reports %d", archive.ErrShortWrite, n, b.Length)
		}
		return nil
	})
}

// ctxReader fails reads once ctx is done, so a cancelled run stops in the
// middle of a large blob.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, context.Cause(c.ctx)
	}
	return c.r.Read(p)
}

// blobNamer assigns archive names under images/. Names are reduced to their
// base name; a name already used in this run gets the blob id appended to
// its stem, then a counter until it is unused.
type blobNamer struct {
	used map[string]struct{}
}

func newBlobNamer() *blobNamer {
	return &blobNamer{used: make(map[string]struct{})}
}

func (n *blobNamer) entryName(b database.BlobInfo) string {
	base := path.Base(strings.ReplaceAll(b.Filename, `\`, "/"))
	switch base {
	case "", ".", "..", "/":
		base = b.ID
	}
	name := base
	if n.taken(name) {
		ext := path.Ext(base)
		stem := strings.TrimSuffix(base, ext) + "-" + b.ID
		name = stem + ext
		for i := 2; n.taken(name); i++ {
			name = stem + "-" + strconv.Itoa(i) + ext
		}
	}
	n.used[name] = struct{}{}
	return ImagesPrefix + name
}

func (n *blobNamer) taken(name string) bool {
	_, ok := n.used[name]
	return ok
}
