package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/webspider/internal/queue"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FS stores cached responses under a root directory, one body file and one
// metadata JSON per URL, with a sanitised filename layout.
type FS struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	index map[string]*Object
}

// NewFS opens (creating if needed) a filesystem cache rooted at dir.
func NewFS(dir string, logger *zap.Logger) (*FS, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	fs := &FS{
		root:   dir,
		logger: logger,
		index:  make(map[string]*Object),
	}
	fs.loadIndex()
	return fs, nil
}

var _ Cache = (*FS)(nil)

// GetCacheData implements Cache.
func (f *FS) GetCacheData(item *queue.Item) (*Object, error) {
	f.mu.Lock()
	obj, ok := f.index[item.URL]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if obj.DataFile != "" && obj.Body == nil {
		body, err := os.ReadFile(obj.DataFile)
		if err != nil {
			return nil, fmt.Errorf("read cached body: %w", err)
		}
		obj.Body = body
	}
	return obj, nil
}

// SetCacheData implements Cache.
func (f *FS) SetCacheData(item *queue.Item, body []byte, headers http.Header) error {
	base := safeBasename(item.URL)
	dataFile := filepath.Join(f.root, base+".bin")
	if err := os.WriteFile(dataFile, body, 0o644); err != nil {
		return fmt.Errorf("write cached body: %w", err)
	}

	obj := &Object{
		URL:          item.URL,
		ETag:         headers.Get("Etag"),
		LastModified: headers.Get("Last-Modified"),
		ContentType:  headers.Get("Content-Type"),
		Headers:      headers.Clone(),
		Body:         body,
		DataFile:     dataFile,
	}
	meta, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.root, base+".json"), meta, 0o644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}

	f.mu.Lock()
	f.index[item.URL] = obj
	f.mu.Unlock()
	return nil
}

// SaveCache implements Cache. Metadata is written eagerly by SetCacheData so
// this only persists the index snapshot.
func (f *FS) SaveCache() error {
	f.mu.Lock()
	snapshot := make(map[string]*Object, len(f.index))
	for url, obj := range f.index {
		snapshot[url] = obj
	}
	f.mu.Unlock()

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.root, "index.json"), payload, 0o644); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	return nil
}

func (f *FS) loadIndex() {
	payload, err := os.ReadFile(filepath.Join(f.root, "index.json"))
	if err != nil {
		return
	}
	var snapshot map[string]*Object
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		f.logger.Warn("cache index unreadable; starting empty", zap.Error(err))
		return
	}
	f.index = snapshot
}

func safeBasename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return hashURL(raw)
	}
	host := invalidFilenameChars.ReplaceAllString(u.Hostname(), "_")
	p := strings.Trim(u.EscapedPath(), "/")
	if p == "" {
		p = "root"
	}
	p = invalidFilenameChars.ReplaceAllString(p, "_")
	return fmt.Sprintf("%s_%s_%s", host, p, hashURL(raw)[:16])
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
