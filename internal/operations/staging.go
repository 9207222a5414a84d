package operations

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kebairia/posebackup/internal/retention"
)

// staging is a run's private directory under the staging root. Files in it
// belong to exactly one export step.
type staging struct {
	dir string
}

func newStaging(root string) (*staging, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create staging root %q: %w", root, err)
	}
	dir, err := os.MkdirTemp(root, "run-")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &staging{dir: dir}, nil
}

// withFile runs produce to materialize the file name, then use to consume
// it. The file is removed before withFile returns, whichever step failed.
// use must be done reading the file when it returns.
func (s *staging) withFile(name string, produce, use func(path string) error) (err error) {
	path := filepath.Join(s.dir, name)
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove staging file: %w", rmErr))
		}
	}()
	if err := produce(path); err != nil {
		return err
	}
	return use(path)
}

// remove deletes the run directory and anything left in it.
func (s *staging) remove() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove staging directory %q: %w", s.dir, err)
	}
	return nil
}

// writeFile creates path and hands it to fill, closing it afterwards.
func writeFile(path string, fill func(f *os.File) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// sweepStale removes what an interrupted process left behind: hidden
// partial artifacts in dir and run directories under stagingRoot. It must
// only be called while no run is active. The removed paths are returned.
func sweepStale(dir, stagingRoot string) ([]string, error) {
	var removed []string
	var errs []error

	ents, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("read backup directory: %w", err))
	}
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".partial") ||
			!strings.Contains(name, retention.ArtifactSuffix) {
			continue
		}
		p := filepath.Join(dir, name)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove partial artifact: %w", err))
			continue
		}
		removed = append(removed, p)
	}

	ents, err = os.ReadDir(stagingRoot)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("read staging root: %w", err))
	}
	for _, e := range ents {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run-") {
			continue
		}
		p := filepath.Join(stagingRoot, e.Name())
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("remove staging directory: %w", err))
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}
