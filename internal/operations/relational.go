package operations

import (
	"context"
	"fmt"
	"os"

	"github.com/kebairia/posebackup/internal/archive"
)

// RelationalDumpName is the archive entry holding the SQL dump.
const RelationalDumpName = "mysql_dump.sql"

// Dumper writes a logical dump of every table to dest.
type Dumper interface {
	Dump(ctx context.Context, dest string) error
}

func (om *OperationManager) exportRelational(ctx context.Context, stage *staging, w *archive.Writer) (SourceOutcome, error) {
	outcome := SourceOutcome{Source: SourceMySQL}
	err := stage.withFile(RelationalDumpName,
		func(path string) error {
			if err := om.deps.Relational.Dump(ctx, path); err != nil {
				return &ExportError{Source: SourceMySQL, Err: err}
			}
			info, err := os.Stat(path)
			if err != nil {
				return &ExportError{Source: SourceMySQL, Err: fmt.Errorf("dump produced no file: %w", err)}
			}
			outcome.Bytes = info.Size()
			return nil
		},
		func(path string) error {
			if err := w.AddFile(RelationalDumpName, path); err != nil {
				return &ArchiveError{Op: "add " + RelationalDumpName, Err: err}
			}
			outcome.Entries = 1
			return nil
		},
	)
	return outcome, err
}
