package operations

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/kebairia/posebackup/internal/archive"
	"github.com/kebairia/posebackup/internal/database"
	"github.com/kebairia/posebackup/internal/logger"
	"github.com/kebairia/posebackup/internal/notify"
	"github.com/kebairia/posebackup/internal/retention"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDumper struct {
	sql     string
	err     error
	started chan struct{}
	release chan struct{}
}

func (d *fakeDumper) Dump(ctx context.Context, dest string) error {
	if d.started != nil {
		close(d.started)
		d.started = nil
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.err != nil {
		return d.err
	}
	return os.WriteFile(dest, []byte(d.sql), 0o600)
}

type fakeDocs map[string][]any

func (f fakeDocs) EachDocument(ctx context.Context, collection string, fn func(doc any) error) error {
	for _, d := range f[collection] {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

type fakeBlob struct {
	info database.BlobInfo
	data string
}

type fakeBlobs struct {
	blobs  []fakeBlob
	onOpen func(ctx context.Context, id string) error
}

func (f *fakeBlobs) ListBlobs(ctx context.Context) ([]database.BlobInfo, error) {
	out := make([]database.BlobInfo, len(f.blobs))
	for i, b := range f.blobs {
		out[i] = b.info
	}
	return out, nil
}

func (f *fakeBlobs) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	if f.onOpen != nil {
		if err := f.onOpen(ctx, id); err != nil {
			return nil, err
		}
	}
	for _, b := range f.blobs {
		if b.info.ID == id {
			return io.NopCloser(strings.NewReader(b.data)), nil
		}
	}
	return nil, database.ErrNotFound
}

func blob(id, name, data string) fakeBlob {
	return fakeBlob{info: database.BlobInfo{ID: id, Filename: name, Length: int64(len(data))}, data: data}
}

type notifyFunc func(ctx context.Context, path string, s notify.Summary) error

func (f notifyFunc) Notify(ctx context.Context, path string, s notify.Summary) error {
	return f(ctx, path, s)
}

type pruneFunc func(ctx context.Context, protect string) ([]string, error)

func (f pruneFunc) Prune(ctx context.Context, protect string) ([]string, error) {
	return f(ctx, protect)
}

var collections = []string{"images.files", "images.chunks"}

func fullDeps() Deps {
	return Deps{
		Relational: &fakeDumper{sql: "CREATE TABLE pose_records (id INT);\n"},
		Documents: fakeDocs{
			"images.files":  {map[string]any{"_id": "a1", "filename": "squat.jpg"}},
			"images.chunks": {map[string]any{"n": 0}, map[string]any{"n": 1}},
		},
		Blobs: &fakeBlobs{blobs: []fakeBlob{
			blob("a1", "squat.jpg", "jpeg-bytes-1"),
			blob("a2", "uploads/lunge.png", "png"),
			blob("a3", "squat.jpg", "jpeg-bytes-two"),
		}},
	}
}

type harness struct {
	dir     string
	staging string
	now     time.Time
}

func newManager(t *testing.T, deps Deps) (*OperationManager, *harness) {
	t.Helper()
	h := &harness{
		dir: t.TempDir(),
		now: time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC),
	}
	h.staging = filepath.Join(h.dir, ".staging")
	om, err := New(deps, Options{
		Directory:        h.dir,
		StagingDirectory: h.staging,
		Format:           archive.FormatZip,
		Collections:      collections,
		Logger:           logger.New(zaptest.NewLogger(t)),
		Now:              func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return om, h
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer r.Close()
	out := make(map[string]string, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = string(data)
	}
	return out
}

// visible lists the backup directory without the staging root.
func visible(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range ents {
		if e.Name() != ".staging" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func assertStagingEmpty(t *testing.T, staging string) {
	t.Helper()
	ents, err := os.ReadDir(staging)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("staging not cleaned: %v", ents)
	}
}

func TestRunArchivesEverySource(t *testing.T) {
	deps := fullDeps()
	var got notify.Summary
	var gotPath string
	deps.Notifier = notifyFunc(func(ctx context.Context, path string, s notify.Summary) error {
		gotPath, got = path, s
		return nil
	})
	om, h := newManager(t, deps)

	run, err := om.Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := filepath.Join(h.dir, "2026-03-14-backup.zip")
	if run.ArtifactPath != want {
		t.Fatalf("artifact = %s, want %s", run.ArtifactPath, want)
	}
	if !run.Succeeded() || run.State != StateIdle {
		t.Errorf("run state = %s", run.State)
	}

	files := readZip(t, want)
	if len(files) != 1+len(collections)+3 {
		t.Fatalf("archive has %d entries: %v", len(files), files)
	}
	if !strings.HasPrefix(files["mysql_dump.sql"], "CREATE TABLE pose_records") {
		t.Errorf("mysql_dump.sql = %q", files["mysql_dump.sql"])
	}
	for name, data := range map[string]string{
		"images/squat.jpg":    "jpeg-bytes-1",
		"images/lunge.png":    "png",
		"images/squat-a3.jpg": "jpeg-bytes-two",
	} {
		if files[name] != data {
			t.Errorf("%s = %q, want %q", name, files[name], data)
		}
	}
	wantChunks := "[\n  {\n    \"n\": 0\n  },\n  {\n    \"n\": 1\n  }\n]"
	if files["images.chunks.json"] != wantChunks {
		t.Errorf("images.chunks.json = %q, want %q", files["images.chunks.json"], wantChunks)
	}

	if len(run.Outcomes) != 3 {
		t.Fatalf("outcomes = %+v", run.Outcomes)
	}
	img := run.Outcomes[2]
	if img.Source != SourceImages || img.Entries != 3 || img.Bytes != int64(len("jpeg-bytes-1png")+len("jpeg-bytes-two")) {
		t.Errorf("images outcome = %+v", img)
	}
	if gotPath != want || len(got.Sources) != 3 || got.RunID != run.ID {
		t.Errorf("notified %s with %+v", gotPath, got)
	}
	if info, err := os.Stat(want); err != nil || info.Size() != run.SizeBytes {
		t.Errorf("size = %d, stat = %v", run.SizeBytes, info)
	}
	assertStagingEmpty(t, h.staging)
	if om.State() != StateIdle || om.LastRun() != run {
		t.Errorf("manager not idle after run")
	}
}

func TestRelationalFailureLeavesNoArtifact(t *testing.T) {
	deps := fullDeps()
	deps.Relational = &fakeDumper{err: errors.New("mysqldump: exit status 2")}
	notified := false
	deps.Notifier = notifyFunc(func(context.Context, string, notify.Summary) error {
		notified = true
		return nil
	})
	om, h := newManager(t, deps)

	run, err := om.Run(context.Background(), TriggerScheduled)
	var exportErr *ExportError
	if !errors.As(err, &exportErr) || exportErr.Source != SourceMySQL {
		t.Fatalf("got %v, want mysql ExportError", err)
	}
	if run.State != StateFailed || run.ArtifactPath != "" {
		t.Errorf("run = %+v", run)
	}
	if names := visible(t, h.dir); len(names) != 0 {
		t.Errorf("files left in backup dir: %v", names)
	}
	if notified {
		t.Error("notifier called for a failed run")
	}
	assertStagingEmpty(t, h.staging)
}

func TestBlobFailureKeepsEarlierSameDayArtifact(t *testing.T) {
	deps := fullDeps()
	deps.Blobs = &fakeBlobs{blobs: []fakeBlob{
		blob("a1", "squat.jpg", "jpeg"),
		{info: database.BlobInfo{ID: "a2", Filename: "cut.jpg", Length: 100}, data: "short"},
	}}
	om, h := newManager(t, deps)

	existing := filepath.Join(h.dir, "2026-03-14-backup.zip")
	if err := os.WriteFile(existing, []byte("earlier run"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := om.Run(context.Background(), TriggerManual)
	var exportErr *ExportError
	if !errors.As(err, &exportErr) || exportErr.Source != SourceImages || exportErr.Object != "a2" {
		t.Fatalf("got %v, want images ExportError for a2", err)
	}
	if !errors.Is(err, archive.ErrShortWrite) {
		t.Errorf("error does not carry ErrShortWrite: %v", err)
	}
	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "earlier run" {
		t.Errorf("earlier artifact changed: %q, %v", data, err)
	}
	if names := visible(t, h.dir); len(names) != 1 {
		t.Errorf("backup dir = %v", names)
	}
	assertStagingEmpty(t, h.staging)
}

func TestSameDayRunReplacesArtifact(t *testing.T) {
	om, h := newManager(t, fullDeps())
	existing := filepath.Join(h.dir, "2026-03-14-backup.zip")
	if err := os.WriteFile(existing, []byte("earlier run"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := om.Run(context.Background(), TriggerManual); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if files := readZip(t, existing); len(files) != 6 {
		t.Errorf("replaced artifact has %d entries", len(files))
	}
}

func TestRetentionKeepsNewestSeven(t *testing.T) {
	deps := fullDeps()
	om, h := newManager(t, deps)
	om.deps.Retention = retention.New(h.dir, "zip", 7, logger.NewNop())

	start := h.now
	for i := 0; i < 10; i++ {
		h.now = start.AddDate(0, 0, i)
		if _, err := om.Run(context.Background(), TriggerScheduled); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	var want []string
	for i := 3; i < 10; i++ {
		want = append(want, ArtifactName(start.AddDate(0, 0, i), "zip"))
	}
	got := visible(t, h.dir)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("kept %v\nwant %v", got, want)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	deps := fullDeps()
	started := make(chan struct{})
	release := make(chan struct{})
	deps.Relational = &fakeDumper{sql: "--", started: started, release: release}
	om, h := newManager(t, deps)

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = om.Run(context.Background(), TriggerScheduled)
	}()

	<-started
	if om.State() != StateExportingRelational {
		t.Errorf("state during dump = %s", om.State())
	}
	run, err := om.Run(context.Background(), TriggerManual)
	if !errors.Is(err, ErrRunInProgress) || run != nil {
		t.Errorf("second run = %v, %v; want ErrRunInProgress", run, err)
	}
	close(release)
	wg.Wait()

	if firstErr != nil {
		t.Fatalf("first run: %v", firstErr)
	}
	if names := visible(t, h.dir); len(names) != 1 {
		t.Errorf("backup dir = %v", names)
	}
}

func TestNotifyAndRetentionFailuresDoNotFailRun(t *testing.T) {
	tests := []struct {
		name     string
		notifier notify.Notifier
		pruner   Pruner
	}{
		{
			name: "notifier error",
			notifier: notifyFunc(func(context.Context, string, notify.Summary) error {
				return errors.New("smtp: connection refused")
			}),
		},
		{
			name: "notifier panic",
			notifier: notifyFunc(func(context.Context, string, notify.Summary) error {
				panic("nil transport")
			}),
		},
		{
			name: "retention error",
			pruner: pruneFunc(func(context.Context, string) ([]string, error) {
				return nil, errors.New("permission denied")
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := fullDeps()
			deps.Notifier = tt.notifier
			deps.Retention = tt.pruner
			om, _ := newManager(t, deps)

			run, err := om.Run(context.Background(), TriggerManual)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !run.Succeeded() {
				t.Errorf("run reported %s", run.State)
			}
		})
	}
}

func TestEmptyStores(t *testing.T) {
	deps := Deps{
		Relational: &fakeDumper{sql: "INSERT INTO pose_records VALUES (1);\n"},
		Documents:  fakeDocs{},
		Blobs:      &fakeBlobs{},
	}
	om, h := newManager(t, deps)

	run, err := om.Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	files := readZip(t, run.ArtifactPath)
	if len(files) != 1+len(collections) {
		t.Fatalf("archive = %v", files)
	}
	for _, c := range collections {
		if got := files[MetadataEntryName(c)]; got != "[]" {
			t.Errorf("%s = %q, want []", c, got)
		}
	}
	for name := range files {
		if strings.HasPrefix(name, ImagesPrefix) {
			t.Errorf("unexpected image entry %s", name)
		}
	}
	assertStagingEmpty(t, h.staging)
}

func TestCancelledRunCleansUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := fullDeps()
	deps.Blobs.(*fakeBlobs).onOpen = func(ctx context.Context, id string) error {
		if id == "a2" {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	om, h := newManager(t, deps)

	run, err := om.Run(ctx, TriggerManual)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if run.State != StateFailed {
		t.Errorf("state = %s", run.State)
	}
	if names := visible(t, h.dir); len(names) != 0 {
		t.Errorf("files left in backup dir: %v", names)
	}
	assertStagingEmpty(t, h.staging)
}

type docsFunc func(ctx context.Context, collection string, fn func(doc any) error) error

func (f docsFunc) EachDocument(ctx context.Context, collection string, fn func(doc any) error) error {
	return f(ctx, collection, fn)
}

// dirDumper leaves a directory where the dump file should be.
type dirDumper struct{}

func (dirDumper) Dump(ctx context.Context, dest string) error { return os.Mkdir(dest, 0o700) }

func TestFatalFailuresLeaveNothing(t *testing.T) {
	cursorDied := errors.New("cursor died")
	tests := []struct {
		name        string
		mutate      func(om *OperationManager)
		wantSource  string
		wantArchive bool
		wantIs      error
	}{
		{
			name: "metadata cursor fails mid-collection",
			mutate: func(om *OperationManager) {
				om.deps.Documents = docsFunc(func(ctx context.Context, coll string, fn func(any) error) error {
					if coll != "images.chunks" {
						return nil
					}
					if err := fn(map[string]any{"n": 0}); err != nil {
						return err
					}
					return cursorDied
				})
			},
			wantSource: SourceMetadata,
			wantIs:     cursorDied,
		},
		{
			name: "duplicate archive entry",
			mutate: func(om *OperationManager) {
				om.opts.Collections = []string{"images.files", "images.files"}
			},
			wantArchive: true,
			wantIs:      archive.ErrDuplicateEntry,
		},
		{
			name: "staged dump is not a regular file",
			mutate: func(om *OperationManager) {
				om.deps.Relational = dirDumper{}
			},
			wantArchive: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := fullDeps()
			notified := false
			deps.Notifier = notifyFunc(func(context.Context, string, notify.Summary) error {
				notified = true
				return nil
			})
			om, h := newManager(t, deps)
			tt.mutate(om)

			run, err := om.Run(context.Background(), TriggerScheduled)
			if err == nil {
				t.Fatal("Run succeeded, want failure")
			}
			if tt.wantArchive {
				var archiveErr *ArchiveError
				if !errors.As(err, &archiveErr) {
					t.Errorf("got %v, want ArchiveError", err)
				}
			} else {
				var exportErr *ExportError
				if !errors.As(err, &exportErr) || exportErr.Source != tt.wantSource {
					t.Errorf("got %v, want %s ExportError", err, tt.wantSource)
				}
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error %v does not wrap %v", err, tt.wantIs)
			}
			if run.State != StateFailed || run.ArtifactPath != "" {
				t.Errorf("run = %+v", run)
			}
			if names := visible(t, h.dir); len(names) != 0 {
				t.Errorf("files left in backup dir: %v", names)
			}
			if notified {
				t.Error("notifier called for a failed run")
			}
			assertStagingEmpty(t, h.staging)
		})
	}
}

// endlessBlobs serves one blob that never ends and cancels the run after
// the first read.
type endlessBlobs struct {
	cancel context.CancelFunc
}

func (e endlessBlobs) ListBlobs(ctx context.Context) ([]database.BlobInfo, error) {
	return []database.BlobInfo{{ID: "big", Filename: "big.jpg", Length: 1 << 40}}, nil
}

func (e endlessBlobs) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(&cancellingReader{cancel: e.cancel}), nil
}

type cancellingReader struct {
	cancel context.CancelFunc
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	r.cancel()
	for i := range p {
		p[i] = 0xff
	}
	return len(p), nil
}

func TestCancelStopsBlobDownload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := fullDeps()
	deps.Blobs = endlessBlobs{cancel: cancel}
	om, h := newManager(t, deps)

	_, err := om.Run(ctx, TriggerManual)
	var exportErr *ExportError
	if !errors.As(err, &exportErr) || exportErr.Object != "big" || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want cancelled images ExportError for big", err)
	}
	if names := visible(t, h.dir); len(names) != 0 {
		t.Errorf("files left in backup dir: %v", names)
	}
	assertStagingEmpty(t, h.staging)
}

func TestNewRemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	staging := filepath.Join(dir, ".staging")
	partial := filepath.Join(dir, ".2026-03-13-backup.zip.4021.partial")
	artifact := filepath.Join(dir, "2026-03-12-backup.zip")
	unrelated := filepath.Join(dir, ".notes.partial")
	for _, p := range []string{partial, artifact, unrelated} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	oldRun := filepath.Join(staging, "run-1234")
	if err := os.MkdirAll(oldRun, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(oldRun, "blob-000003"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := New(fullDeps(), Options{
		Directory:        dir,
		StagingDirectory: staging,
		Logger:           logger.New(zaptest.NewLogger(t)),
	}); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := os.Stat(partial); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial artifact still present: %v", err)
	}
	if _, err := os.Stat(oldRun); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging run directory still present: %v", err)
	}
	for _, p := range []string{artifact, unrelated} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", filepath.Base(p), err)
		}
	}
}

func TestBlobNamer(t *testing.T) {
	n := newBlobNamer()
	tests := []struct {
		id, filename, want string
	}{
		{"1", "squat.jpg", "images/squat.jpg"},
		{"2", "squat.jpg", "images/squat-2.jpg"},
		{"3", "../../etc/passwd", "images/passwd"},
		{"4", `C:\uploads\lunge.png`, "images/lunge.png"},
		{"5", "", "images/5"},
		{"6", "noext", "images/noext"},
		{"7", "noext", "images/noext-7"},
		// A stored name that looks like a generated one.
		{"a9", "x-a3.jpg", "images/x-a3.jpg"},
		{"a1", "x.jpg", "images/x.jpg"},
		{"a3", "x.jpg", "images/x-a3-2.jpg"},
		{"a3", "x.jpg", "images/x-a3-3.jpg"},
	}
	for _, tt := range tests {
		got := n.entryName(database.BlobInfo{ID: tt.id, Filename: tt.filename})
		if got != tt.want {
			t.Errorf("entryName(%q, %q) = %q, want %q", tt.id, tt.filename, got, tt.want)
		}
	}
}

func TestGeneratedNameCollisionArchivesEveryBlob(t *testing.T) {
	deps := fullDeps()
	deps.Blobs = &fakeBlobs{blobs: []fakeBlob{
		blob("a9", "x-a3.jpg", "first"),
		blob("a1", "x.jpg", "second"),
		blob("a3", "x.jpg", "third"),
	}}
	om, _ := newManager(t, deps)

	run, err := om.Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	files := readZip(t, run.ArtifactPath)
	for name, data := range map[string]string{
		"images/x-a3.jpg":   "first",
		"images/x.jpg":      "second",
		"images/x-a3-2.jpg": "third",
	} {
		if files[name] != data {
			t.Errorf("%s = %q, want %q", name, files[name], data)
		}
	}
}

func TestMetadataNotHTMLEscaped(t *testing.T) {
	var buf strings.Builder
	docs := fakeDocs{"images.files": {map[string]any{"filename": "<squat>&lunge.jpg"}}}
	if err := writeJSONArray(context.Background(), &buf, docs, "images.files"); err != nil {
		t.Fatalf("writeJSONArray: %v", err)
	}
	want := "[\n  {\n    \"filename\": \"<squat>&lunge.jpg\"\n  }\n]"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestArtifactName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 0, 30, 0, 0, time.FixedZone("CET", 3600))
	if got := ArtifactName(ts, "tar.zst"); got != "2026-01-01-backup.tar.zst" {
		t.Errorf("ArtifactName = %q", got)
	}
}
