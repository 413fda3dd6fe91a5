package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrInvalidName is returned for empty names or names that escape the folder
	ErrInvalidName = errors.New("invalid document name")
	// ErrExtensionNotAllowed is returned when the file extension is not in the allow-list
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	// ErrTooLarge is returned when an upload exceeds the size limit
	ErrTooLarge = errors.New("file too large")
)

// DefaultAllowedExtensions lists the attachment types accepted by default
var DefaultAllowedExtensions = []string{
	"pdf", "jpg", "jpeg", "png", "webp", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "zip",
}

// DefaultCacheTTL is how long a directory listing is reused
const DefaultCacheTTL = 30 * time.Second

// Document is a file in the documents folder
type Document struct {
	Name    string    `json:"name"`
	Ext     string    `json:"ext"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// File is a document loaded into memory for sending
type File struct {
	Name     string
	MIMEType string
	Size     int64
	Data     []byte
}

// Options configures a Library
type Options struct {
	Dir               string
	CacheTTL          time.Duration
	AllowedExtensions []string
	MaxFileSize       int64
}

// Library manages the documents folder
type Library struct {
	dir     string
	ttl     time.Duration
	allowed map[string]bool
	maxSize int64
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	cached   []Document
	cachedAt time.Time
	valid    bool
	gen      uint64

	group singleflight.Group
}

// New creates a Library, creating the folder if needed
func New(opts Options, logger *slog.Logger) (*Library, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("documents directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve documents directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}

	exts := opts.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Library{
		dir:     dir,
		ttl:     ttl,
		allowed: allowed,
		maxSize: opts.MaxFileSize,
		logger:  logger.With("component", "documents"),
		now:     time.Now,
	}, nil
}

// Dir returns the absolute folder path
func (l *Library) Dir() string {
	return l.dir
}

// List returns the documents in the folder ordered by name
func (l *Library) List(ctx context.Context) ([]Document, error) {
	l.mu.RLock()
	if l.valid && l.now().Sub(l.cachedAt) < l.ttl {
		docs := append([]Document(nil), l.cached...)
		l.mu.RUnlock()
		return docs, nil
	}
	l.mu.RUnlock()

	v, err, _ := l.group.Do("list", func() (interface{}, error) {
		l.mu.RLock()
		gen := l.gen
		l.mu.RUnlock()

		docs, err := l.scan()
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		// An invalidation during the scan keeps the cache cold
		if gen == l.gen {
			l.cached = docs
			l.cachedAt = l.now()
			l.valid = true
		}
		l.mu.Unlock()
		return docs, nil
	})
	if err != nil {
		return nil, err
	}

	return append([]Document(nil), v.([]Document)...), nil
}

// Names returns the file names in the folder
func (l *Library) Names(ctx context.Context) ([]string, error) {
	docs, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Name
	}
	return names, nil
}

func (l *Library) scan() ([]Document, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents directory: %w", err)
	}

	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		docs = append(docs, Document{
			Name:    e.Name(),
			Ext:     extension(e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Invalidate drops the cached listing
func (l *Library) Invalidate() {
	l.mu.Lock()
	l.valid = false
	l.gen++
	l.mu.Unlock()
}

// Path returns the absolute path of a document, rejecting names that escape the folder
func (l *Library) Path(name string) (string, error) {
	if name == "" || name != Sanitize(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.dir, name), nil
}

// Exists reports whether a document is present
func (l *Library) Exists(name string) bool {
	path, err := l.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Save writes an uploaded file into the folder, replacing a file with the same name
func (l *Library) Save(name string, r io.Reader) (*Document, error) {
	name = Sanitize(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	ext := extension(name)
	if !l.allowed[ext] {
		return nil, fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	src := r
	if l.maxSize > 0 {
		src = io.LimitReader(r, l.maxSize+1)
	}
	size, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if l.maxSize > 0 && size > l.maxSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, l.maxSize)
	}

	path := filepath.Join(l.dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", name, err)
	}
	l.Invalidate()

	l.logger.Info("document saved", "name", name, "size", size)

	return &Document{Name: name, Ext: ext, Size: size, ModTime: l.now()}, nil
}

// Delete removes a document
func (l *Library) Delete(name string) error {
	path, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	l.Invalidate()

	l.logger.Info("document deleted", "name", name)
	return nil
}

// Open reads a document and detects its MIME type from the content
func (l *Library) Open(name string) (*File, error) {
	path, err := l.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	return &File{
		Name:     name,
		MIMEType: DetectMIME(data),
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}

// DetectMIME returns the MIME type detected from the file content
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// Sanitize reduces an uploaded file name to a safe base name.
// It returns "" when nothing usable remains.
func Sanitize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return ""
	}
	return name
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
