package operations

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kebairia/posebackup/internal/archive"
)

// DocumentSource iterates the documents of a named collection. fn receives
// each document as a value encoding/json can render.
type DocumentSource interface {
	EachDocument(ctx context.Context, collection string, fn func(doc any) error) error
}

// MetadataEntryName returns the archive entry for a collection export.
func MetadataEntryName(collection string) string { return collection + ".json" }

func (om *OperationManager) exportMetadata(ctx context.Context, stage *staging, w *archive.Writer) (SourceOutcome, error) {
	outcome := SourceOutcome{Source: SourceMetadata}
	for _, coll := range om.opts.Collections {
		name := MetadataEntryName(coll)
		err := stage.withFile(name,
			func(path string) error {
				err := writeFile(path, func(f *os.File) error {
					return writeJSONArray(ctx, f, om.deps.Documents, coll)
				})
				if err != nil {
					return &ExportError{Source: SourceMetadata, Object: coll, Err: err}
				}
				return nil
			},
			func(path string) error {
				if err := w.AddFile(name, path); err != nil {
					return &ArchiveError{Op: "add " + name, Err: err}
				}
				return nil
			},
		)
		if err != nil {
			return outcome, err
		}
		entries := w.Entries()
		outcome.Entries++
		outcome.Bytes += entries[len(entries)-1].Size
	}
	return outcome, nil
}

// writeJSONArray streams the collection as a pretty-printed JSON array, one
// document in memory at a time. An empty collection is written as [].
// Strings are not HTML-escaped.
func writeJSONArray(ctx context.Context, out io.Writer, src DocumentSource, collection string) error {
	bw := bufio.NewWriter(out)
	var doc bytes.Buffer
	enc := json.NewEncoder(&doc)
	enc.SetEscapeHTML(false)
	enc.SetIndent("  ", "  ")
	n := 0
	err := src.EachDocument(ctx, collection, func(v any) error {
		doc.Reset()
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode document %d: %w", n, err)
		}
		data := bytes.TrimSuffix(doc.Bytes(), []byte("\n"))
		sep := ",\n  "
		if n == 0 {
			sep = "[\n  "
		}
		n++
		if _, err := bw.WriteString(sep); err != nil {
			return err
		}
		_, err := bw.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	tail := "\n]"
	if n == 0 {
		tail = "[]"
	}
	if _, err := bw.WriteString(tail); err != nil {
		return err
	}
	return bw.Flush()
}
