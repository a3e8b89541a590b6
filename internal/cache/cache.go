package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/deusflow/boroughnews/internal/news"
)

// Cache keeps successful enrichments keyed by article content so the
// classifier is not called twice for the same text.
type Cache struct {
	items *gocache.Cache
}

func New(ttl time.Duration) *Cache {
	cleanup := ttl
	if cleanup <= 0 || cleanup > time.Hour {
		cleanup = time.Hour
	}
	return &Cache{items: gocache.New(ttl, cleanup)}
}

func (c *Cache) Set(key string, value news.Enrichment) {
	c.items.SetDefault(key, value)
}

func (c *Cache) Get(key string) (news.Enrichment, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return news.Enrichment{}, false
	}
	e, ok := v.(news.Enrichment)
	return e, ok
}

func (c *Cache) Len() int {
	return c.items.ItemCount()
}

func GenerateKey(title, content string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
