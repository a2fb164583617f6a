// Package cache defines the optional cache collaborator consulted by the
// request engine for conditional fetches, plus a filesystem implementation.
package cache

import (
	"net/http"

	"github.com/JakeFAU/webspider/internal/queue"
)

// Object is a cached response as seen by the engine.
type Object struct {
	URL          string      `json:"url"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"lastModified,omitempty"`
	ContentType  string      `json:"contentType,omitempty"`
	Headers      http.Header `json:"headers,omitempty"`
	Body         []byte      `json:"-"`
	DataFile     string      `json:"dataFile,omitempty"`
}

// Cache is the collaborator contract. GetCacheData returns nil without error
// when the URL has never been cached.
type Cache interface {
	GetCacheData(item *queue.Item) (*Object, error)
	SetCacheData(item *queue.Item, body []byte, headers http.Header) error
	SaveCache() error
}
