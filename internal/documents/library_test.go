package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestLibrary(t *testing.T, opts Options) *Library {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	lib, err := New(opts, nil)
	require.NoError(t, err)
	return lib
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"  invoice.pdf ", "invoice.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\budi\invoice.pdf`, "invoice.pdf"},
		{".hidden.pdf", "hidden.pdf"},
		{"..", ""},
		{"", ""},
		{"/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLibrary_SaveListDelete(t *testing.T) {
	lib := newTestLibrary(t, Options{})
	ctx := context.Background()

	docs, err := lib.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	doc, err := lib.Save("../Budi Santoso.PDF", strings.NewReader("%PDF-1.4 test"))
	require.NoError(t, err)
	assert.Equal(t, "Budi Santoso.PDF", doc.Name)
	assert.Equal(t, "pdf", doc.Ext)

	_, err = lib.Save("b.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	docs, err = lib.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Budi Santoso.PDF", docs[0].Name)
	assert.Equal(t, int64(5), docs[1].Size)

	names, err := lib.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Budi Santoso.PDF", "b.txt"}, names)

	require.NoError(t, lib.Delete("b.txt"))
	assert.ErrorIs(t, lib.Delete("b.txt"), ErrNotFound)

	docs, _ = lib.List(ctx)
	assert.Len(t, docs, 1)
}

func TestLibrary_SaveRejects(t *testing.T) {
	lib := newTestLibrary(t, Options{MaxFileSize: 4})

	_, err := lib.Save("run.exe", strings.NewReader("MZ"))
	assert.ErrorIs(t, err, ErrExtensionNotAllowed)

	_, err = lib.Save("..", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = lib.Save("big.txt", strings.NewReader("too large"))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, lib.Exists("big.txt"))

	entries, err := os.ReadDir(lib.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files should be cleaned up")
}

func TestLibrary_Path(t *testing.T) {
	lib := newTestLibrary(t, Options{})

	path, err := lib.Path("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(lib.Dir(), "a.pdf"), path)

	for _, name := range []string{"../a.pdf", "sub/a.pdf", "", ".."} {
		_, err := lib.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestLibrary_ListSkipsHiddenAndDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("x"), 0644))

	lib := newTestLibrary(t, Options{Dir: dir})
	docs, err := lib.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.pdf", docs[0].Name)
}

func TestLibrary_CacheTTL(t *testing.T) {
	dir := t.TempDir()
	lib := newTestLibrary(t, Options{Dir: dir, CacheTTL: time.Minute})

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	lib.now = func() time.Time { return now }
	ctx := context.Background()

	docs, _ := lib.List(ctx)
	assert.Empty(t, docs)

	// External write is not visible until the cache expires
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("x"), 0644))
	docs, _ = lib.List(ctx)
	assert.Empty(t, docs)

	now = now.Add(2 * time.Minute)
	docs, _ = lib.List(ctx)
	assert.Len(t, docs, 1)
}

func TestLibrary_ConcurrentList(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("doc-%02d.pdf", i)), []byte("x"), 0644))
	}
	lib := newTestLibrary(t, Options{Dir: dir})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docs, err := lib.List(context.Background())
			if err == nil && len(docs) != 20 {
				err = errors.New("unexpected listing size")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestLibrary_Open(t *testing.T) {
	lib := newTestLibrary(t, Options{})

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err := lib.Save("photo.png", bytes.NewReader(png))
	require.NoError(t, err)

	f, err := lib.Open("photo.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", f.MIMEType)
	assert.Equal(t, int64(len(png)), f.Size)

	_, err = lib.Open("missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLibrary_Watch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	lib := newTestLibrary(t, Options{Dir: dir, CacheTTL: time.Hour})

	docs, err := lib.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, docs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lib.Watch(ctx) }()

	i := 0
	require.Eventually(t, func() bool {
		i++
		_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("external-%d.pdf", i)), []byte("x"), 0644)
		docs, err := lib.List(context.Background())
		return err == nil && len(docs) > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
