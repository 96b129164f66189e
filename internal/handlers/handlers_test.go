package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/dispatcher"
	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/retry"
	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/cuongbtq/mediaqueue/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	deps     *Deps
	registry *job.Registry
	store    *memory.Store
	cardRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	s := memory.New()

	deps := &Deps{
		Entries:  s,
		Files:    s,
		Hostname: "media01",
		CutRoot:  filepath.Join(root, "cut"),
		MainRoot: filepath.Join(root, "main"),
		Analysers: map[string]Analyser{
			"image/jpeg": AnalyserFunc(func(ctx context.Context, path string) (map[string]any, error) {
				return map[string]any{"taken_ts": "2021-06-01T10:00:00", "camera": "X100"}, nil
			}),
		},
		Retry: retry.Policy{MaxAttempts: 3},
	}
	registry := job.NewRegistry()
	require.NoError(t, Register(registry, deps))

	return &fixture{
		deps:     deps,
		registry: registry,
		store:    s,
		cardRoot: filepath.Join(root, "card"),
	}
}

func (f *fixture) writeCardFile(t *testing.T, rel string, content []byte) {
	t.Helper()
	path := filepath.Join(f.cardRoot, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func (f *fixture) run(t *testing.T, j *job.Job) error {
	t.Helper()
	j.Start(time.Now())
	step, err := j.CurrentStep()
	require.NoError(t, err)
	h, err := f.registry.Lookup(step.Method)
	require.NoError(t, err)
	return h.Run(context.Background(), j)
}

func mustStep(t *testing.T, method job.Method, options any) *job.Step {
	t.Helper()
	step, err := job.NewStep(method, options)
	require.NoError(t, err)
	return step
}

func TestRegister_AllMethods(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []job.Method{
		job.MethodCalculateHash,
		job.MethodCleanCut,
		job.MethodDelete,
		job.MethodDummy,
		job.MethodReadMetadata,
		job.MethodTagUpdate,
		job.MethodToCut,
		job.MethodToMain,
	}, f.registry.Methods())

	err := Register(f.registry, f.deps)
	assert.ErrorIs(t, err, job.ErrDuplicateHandler)
}

func TestImportPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	content := []byte("jpeg-bytes")
	f.writeCardFile(t, "DCIM/IMG_0001.jpg", content)
	sourceURL := "card://card01/DCIM/IMG_0001.jpg"

	require.NoError(t, f.store.CreateFile(ctx, &store.File{
		Reference: "card-ref",
		URL:       sourceURL,
		MimeType:  "image/jpeg",
		Status:    store.FileStatusNew,
	}))
	entry := &store.Entry{
		Type: store.EntryTypeImage,
		Files: []store.FileReference{
			{Purpose: store.PurposeOriginal, Version: 0, Reference: "card-ref", MimeType: "image/jpeg"},
		},
	}
	require.NoError(t, f.store.CreateEntry(ctx, entry))

	j := job.New(
		mustStep(t, job.MethodToCut, ToCutOptions{SourceRootPath: f.cardRoot, SourceURL: sourceURL}),
		mustStep(t, job.MethodCalculateHash, nil),
		mustStep(t, job.MethodReadMetadata, ReadMetadataOptions{MimeType: "image/jpeg", EntryID: entry.ID}),
		mustStep(t, job.MethodToMain, ToMainOptions{EntryID: entry.ID, SourceURL: sourceURL}),
		mustStep(t, job.MethodCleanCut, nil),
	)
	require.NoError(t, f.store.CreateJob(ctx, j))

	d := dispatcher.New(&dispatcher.Config{Registry: f.registry, Jobs: f.store})
	require.NoError(t, d.Dispatch(ctx, j))

	assert.Equal(t, job.StatusDone, j.Status, j.Message)
	for _, step := range j.Steps {
		assert.Equal(t, job.StatusDone, step.Status, "%s: %s", step.Method, step.Message)
	}

	sum := sha256.Sum256(content)
	wantHash := hex.EncodeToString(sum[:])
	hash, err := job.ResultOf[CalculateHashResult](j, job.MethodCalculateHash)
	require.NoError(t, err)
	assert.Equal(t, wantHash, hash.CalculatedHash)

	cut, err := job.ResultOf[ToCutResult](j, job.MethodToCut)
	require.NoError(t, err)
	assert.Equal(t, f.deps.CutRoot, filepath.Dir(cut.Path))
	assert.NoFileExists(t, cut.Path)

	mainPath := filepath.Join(f.deps.MainRoot, "image", "original", "2021-06-01", "IMG_0001.jpg")
	got, err := os.ReadFile(mainPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	filed, err := job.ResultOf[ToMainResult](j, job.MethodToMain)
	require.NoError(t, err)
	assert.Equal(t, mainPath, filed.Path)
	assert.Equal(t, "local://media01/image/original/2021-06-01/IMG_0001.jpg", filed.URL)

	file, err := f.store.GetFile(ctx, wantHash)
	require.NoError(t, err)
	assert.Equal(t, filed.URL, file.URL)
	assert.Equal(t, store.FileStatusManaged, file.Status)
	assert.Equal(t, "image/jpeg", file.MimeType)

	stored, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "X100", stored.Metadata["camera"])
	require.Len(t, stored.Files, 2)
	assert.Equal(t, store.FileReference{
		Purpose:   store.PurposeOriginal,
		Version:   0,
		Reference: wantHash,
		MimeType:  "image/jpeg",
	}, stored.Files[1])

	persisted, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, persisted.Status)
}

func TestToCut_RejectsNonCardSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sourceURL := "local://media01/image/original/a.jpg"
	require.NoError(t, f.store.CreateFile(ctx, &store.File{Reference: "ref", URL: sourceURL}))

	j := job.New(mustStep(t, job.MethodToCut, ToCutOptions{SourceURL: sourceURL}))
	err := f.run(t, j)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestCalculateHash_RequiresPath(t *testing.T) {
	f := newFixture(t)

	j := job.New(mustStep(t, job.MethodCalculateHash, nil))
	err := f.run(t, j)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestReadMetadata_NoAnalyser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entry := &store.Entry{Type: store.EntryTypeVideo}
	require.NoError(t, f.store.CreateEntry(ctx, entry))

	j := job.New(mustStep(t, job.MethodReadMetadata, ReadMetadataOptions{MimeType: "video/mp4", EntryID: entry.ID}))
	require.NoError(t, f.run(t, j))
	assert.Empty(t, j.Steps[0].Result)

	stored, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name    string
		variant Variant
		wantErr bool
	}{
		{
			name:    "local store",
			variant: Variant{Store: store.PurposeThumb, Version: 1, Extension: ".jpg"},
		},
		{
			name:    "remote store",
			variant: Variant{Store: "flickr", Version: 1, Extension: ".jpg"},
			wantErr: true,
		},
		{
			name:    "extension with separator",
			variant: Variant{Store: store.PurposeThumb, Version: 1, Extension: "/../../x.jpg"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			target := filepath.Join(f.deps.MainRoot, tt.variant.Filename("entry-1"))
			require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
			require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

			j := job.New(mustStep(t, job.MethodDelete, DeleteOptions{EntryID: "entry-1", Variant: tt.variant}))
			err := f.run(t, j)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
				assert.FileExists(t, target)
				return
			}
			require.NoError(t, err)
			assert.NoFileExists(t, target)
		})
	}
}

func TestDummy(t *testing.T) {
	f := newFixture(t)

	j := job.New(mustStep(t, job.MethodDummy, DummyOptions{Time: 0.01}))
	assert.NoError(t, f.run(t, j))

	j = job.New(mustStep(t, job.MethodDummy, DummyOptions{Time: -1}))
	assert.ErrorIs(t, f.run(t, j), ErrInvalidOptions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j = job.New(mustStep(t, job.MethodDummy, DummyOptions{Time: 10}))
	j.Start(time.Now())
	assert.ErrorIs(t, dummy(ctx, j), context.Canceled)
}

func TestCopyFile_Link(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(source, []byte("bytes"), 0o644))

	linked := filepath.Join(dir, "nested", "b.jpg")
	require.NoError(t, copyFile(slog.Default(), source, linked, true))

	srcInfo, err := os.Stat(source)
	require.NoError(t, err)
	dstInfo, err := os.Stat(linked)
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, dstInfo))

	copied := filepath.Join(dir, "copy", "c.jpg")
	require.NoError(t, copyFile(slog.Default(), source, copied, false))
	dstInfo, err = os.Stat(copied)
	require.NoError(t, err)
	assert.False(t, os.SameFile(srcInfo, dstInfo))
	assert.Equal(t, srcInfo.ModTime().Unix(), dstInfo.ModTime().Unix())
}

func TestDelete_RejectsEntryOutsideMainRoot(t *testing.T) {
	tests := []struct {
		name    string
		entryID string
	}{
		{name: "parent traversal", entryID: "../../secret"},
		{name: "dot dot", entryID: ".."},
		{name: "nested", entryID: "a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			variant := Variant{Store: store.PurposeOriginal, Version: 0, Extension: ".txt"}

			outside := filepath.Join(filepath.Dir(f.deps.MainRoot), "secret_0.txt")
			require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))

			j := job.New(mustStep(t, job.MethodDelete, DeleteOptions{EntryID: tt.entryID, Variant: variant}))
			err := f.run(t, j)
			assert.ErrorIs(t, err, ErrInvalidOptions)
			assert.ErrorIs(t, err, ErrUnsafePath)
			assert.FileExists(t, outside)
		})
	}
}

// importToMain runs to_cut, calculate_hash and to_main for one card file
// and returns the finished job
func importToMain(t *testing.T, f *fixture, content []byte) (*job.Job, *store.Entry, string) {
	t.Helper()
	ctx := context.Background()

	f.writeCardFile(t, "DCIM/IMG.jpg", content)
	sourceURL := "card://card01/DCIM/IMG.jpg"
	require.NoError(t, f.store.CreateFile(ctx, &store.File{Reference: "card-ref", URL: sourceURL, MimeType: "image/jpeg"}))
	entry := &store.Entry{
		Type:  store.EntryTypeImage,
		Files: []store.FileReference{{Purpose: store.PurposeOriginal, Reference: "card-ref", MimeType: "image/jpeg"}},
	}
	require.NoError(t, f.store.CreateEntry(ctx, entry))

	j := job.New(
		mustStep(t, job.MethodToCut, ToCutOptions{SourceRootPath: f.cardRoot, SourceURL: sourceURL}),
		mustStep(t, job.MethodCalculateHash, nil),
		mustStep(t, job.MethodToMain, ToMainOptions{EntryID: entry.ID, SourceURL: sourceURL}),
	)
	d := dispatcher.New(&dispatcher.Config{Registry: f.registry})
	require.NoError(t, d.Dispatch(ctx, j))
	require.Equal(t, job.StatusDone, j.Status, j.Message)
	return j, entry, sourceURL
}

func TestToMain_Rerun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, entry, sourceURL := importToMain(t, f, []byte("jpeg-bytes"))
	cut, err := job.ResultOf[ToCutResult](first, job.MethodToCut)
	require.NoError(t, err)
	hash, err := job.ResultOf[CalculateHashResult](first, job.MethodCalculateHash)
	require.NoError(t, err)
	filed, err := job.ResultOf[ToMainResult](first, job.MethodToMain)
	require.NoError(t, err)

	again := job.New(mustStep(t, job.MethodToMain, ToMainOptions{
		Path:      cut.Path,
		EntryID:   entry.ID,
		SourceURL: sourceURL,
		Reference: hash.CalculatedHash,
	}))
	require.NoError(t, f.run(t, again))

	rerun, err := job.ResultOf[ToMainResult](again, job.MethodToMain)
	require.NoError(t, err)
	assert.Equal(t, filed, rerun)

	stored, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Files, 2)
}

func TestToMain_DestinationHoldsOtherFile(t *testing.T) {
	f := newFixture(t)

	first, entry, sourceURL := importToMain(t, f, []byte("jpeg-bytes"))
	filed, err := job.ResultOf[ToMainResult](first, job.MethodToMain)
	require.NoError(t, err)

	other := filepath.Join(t.TempDir(), "other.jpg")
	require.NoError(t, os.WriteFile(other, []byte("different"), 0o644))
	info, err := os.Stat(filed.Path)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(other, info.ModTime(), info.ModTime()))

	j := job.New(mustStep(t, job.MethodToMain, ToMainOptions{
		Path:      other,
		EntryID:   entry.ID,
		SourceURL: sourceURL,
		Reference: "other-ref",
	}))
	err = f.run(t, j)
	assert.ErrorIs(t, err, ErrDestinationExists)

	got, err := os.ReadFile(filed.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), got)
}

func TestToMain_RejectsUnsafeSourceName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	sourceURL := "card://card01/DCIM/.."
	require.NoError(t, f.store.CreateFile(ctx, &store.File{Reference: "card-ref", URL: sourceURL}))
	entry := &store.Entry{Type: store.EntryTypeImage}
	require.NoError(t, f.store.CreateEntry(ctx, entry))

	j := job.New(mustStep(t, job.MethodToMain, ToMainOptions{
		Path:      src,
		EntryID:   entry.ID,
		SourceURL: sourceURL,
		Reference: "ref",
	}))
	err := f.run(t, j)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoDirExists(t, f.deps.MainRoot)
}

func TestCopyFile_ExistingDestination(t *testing.T) {
	tests := []struct {
		name    string
		link    bool
		content []byte
		wantErr error
	}{
		{name: "link onto same bytes", link: true, content: []byte("bytes")},
		{name: "copy onto same bytes", content: []byte("bytes")},
		{name: "link onto other bytes", link: true, content: []byte("other"), wantErr: ErrDestinationExists},
		{name: "copy onto longer file", content: []byte("longer bytes"), wantErr: ErrDestinationExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			source := filepath.Join(dir, "a.jpg")
			require.NoError(t, os.WriteFile(source, []byte("bytes"), 0o644))
			destination := filepath.Join(dir, "b.jpg")
			require.NoError(t, os.WriteFile(destination, tt.content, 0o644))

			err := copyFile(slog.Default(), source, destination, tt.link)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			got, err := os.ReadFile(destination)
			require.NoError(t, err)
			assert.Equal(t, tt.content, got)
		})
	}
}

func TestCopyFile_FailedCopyLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "not-a-file")
	require.NoError(t, os.Mkdir(source, 0o755))

	target := filepath.Join(dir, "out")
	destination := filepath.Join(target, "b.jpg")
	require.Error(t, copyFile(slog.Default(), source, destination, false))

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithin(t *testing.T) {
	tests := []struct {
		name    string
		elems   []string
		wantErr bool
	}{
		{name: "nested", elems: []string{"image", "original", "a.jpg"}},
		{name: "escapes", elems: []string{"..", "a.jpg"}, wantErr: true},
		{name: "escapes after clean", elems: []string{"image", "../../a.jpg"}, wantErr: true},
		{name: "root itself", elems: []string{"image", ".."}, wantErr: true},
		{name: "sibling prefix", elems: []string{"../main-other/a.jpg"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := within("/srv/main", tt.elems...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsafePath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "/srv/main/image/original/a.jpg", got)
		})
	}
}
