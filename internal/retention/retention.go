// Package retention keeps the newest backup artifacts in a directory and
// deletes the rest.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kebairia/posebackup/internal/logger"
)

// DefaultKeep is the number of artifacts kept when none is configured.
const DefaultKeep = 7

// ArtifactSuffix is the name tail shared by every backup artifact, before
// the format extension.
const ArtifactSuffix = "-backup."

// Artifact is a completed backup file found on disk.
type Artifact struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Manager prunes artifacts of one extension in one directory.
type Manager struct {
	dir  string
	ext  string
	keep int
	log  logger.Logger
}

// New returns a Manager for artifacts named *-backup.<ext> in dir.
func New(dir, ext string, keep int, log logger.Logger) *Manager {
	if keep < 1 {
		keep = DefaultKeep
	}
	if log == nil {
		log = logger.Global()
	}
	return &Manager{dir: dir, ext: strings.TrimPrefix(ext, "."), keep: keep, log: log}
}

// Keep returns the number of artifacts retained.
func (m *Manager) Keep() int { return m.keep }

// List returns the artifacts in the directory, newest first. Temporary
// files of in-flight runs never match.
func (m *Manager) List() ([]Artifact, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading folder: %w", err)
	}

	suffix := ArtifactSuffix + m.ext
	var artifacts []Artifact
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) || !ent.Type().IsRegular() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			// Deleted between ReadDir and Info.
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path:    filepath.Join(m.dir, name),
			Name:    name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	// Newest first; the name carries the date, so it breaks ties.
	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].ModTime.Equal(artifacts[j].ModTime) {
			return artifacts[i].ModTime.After(artifacts[j].ModTime)
		}
		return artifacts[i].Name > artifacts[j].Name
	})
	return artifacts, nil
}

// Prune deletes every artifact beyond the newest keep. The artifact at
// protect is never deleted, even if its timestamp would rank it out.
// Deletion failures are logged and returned joined; pruning continues.
func (m *Manager) Prune(ctx context.Context, protect string) ([]string, error) {
	artifacts, err := m.List()
	if err != nil {
		return nil, err
	}

	kept := 0
	var (
		deleted []string
		errs    []error
	)
	for _, a := range artifacts {
		if protect != "" && sameFile(a.Path, protect) {
			kept++
			continue
		}
		if kept < m.keep {
			kept++
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := os.Remove(a.Path); err != nil {
			m.log.Error("retention: delete failed", "path", a.Path, "error", err.Error())
			errs = append(errs, fmt.Errorf("delete %s: %w", a.Name, err))
			continue
		}
		m.log.Info("retention: deleted old backup", "path", a.Path, "mod_time", a.ModTime)
		deleted = append(deleted, a.Path)
	}
	return deleted, errors.Join(errs...)
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}
