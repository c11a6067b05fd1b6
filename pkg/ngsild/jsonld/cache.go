package jsonld

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/piprate/json-gold/ld"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

//go:embed contexts/*.jsonld
var embeddedContexts embed.FS

var contextCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jsonld_context_cache_misses_total",
	Help: "Number of JSON-LD contexts that had to be fetched from their remote location",
})

// ContextCache is a json-gold DocumentLoader that keeps remote contexts in memory.
//
// Preloaded contexts are pinned and never evicted. Everything else that is fetched
// through the underlying loader is kept in a fixed size LRU, so the least recently
// used context is the first one to be dropped when the cache is full.
type ContextCache struct {
	mu     sync.RWMutex
	pinned map[string]*ld.RemoteDocument

	cache  *lru.Cache[string, *ld.RemoteDocument]
	loader ld.DocumentLoader
}

type CacheOption func(*ContextCache)

// WithDocumentLoader replaces the loader used for cache misses
func WithDocumentLoader(loader ld.DocumentLoader) CacheOption {
	return func(c *ContextCache) {
		c.loader = loader
	}
}

func NewContextCache(size int, opts ...CacheOption) (*ContextCache, error) {
	if size <= 0 {
		size = 64
	}

	cache, err := lru.New[string, *ld.RemoteDocument](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create context cache: %w", err)
	}

	c := &ContextCache{
		pinned: map[string]*ld.RemoteDocument{},
		cache:  cache,
		loader: ld.NewDefaultDocumentLoader(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}

	for _, opt := range opts {
		opt(c)
	}

	err = c.Preload(NGSILDCoreContextURL, mustReadEmbedded("contexts/ngsi-ld-core-context-v1.3.jsonld"))
	if err != nil {
		return nil, err
	}

	err = c.Preload(DefaultContextURL, mustReadEmbedded("contexts/default-context.jsonld"))
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Preload pins a context document under the given url
func (c *ContextCache) Preload(url string, document []byte) error {
	var doc any
	if err := json.Unmarshal(document, &doc); err != nil {
		return fmt.Errorf("context %s is not valid json: %w", url, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pinned[url] = &ld.RemoteDocument{DocumentURL: url, Document: doc}

	return nil
}

// LoadDocument implements ld.DocumentLoader
func (c *ContextCache) LoadDocument(u string) (*ld.RemoteDocument, error) {
	c.mu.RLock()
	doc, ok := c.pinned[u]
	c.mu.RUnlock()

	if ok {
		return doc, nil
	}

	if doc, ok = c.cache.Get(u); ok {
		return doc, nil
	}

	contextCacheMisses.Inc()

	doc, err := c.loader.LoadDocument(u)
	if err != nil {
		return nil, err
	}

	c.cache.Add(u, doc)

	return doc, nil
}

// Len returns the number of cached, non pinned, contexts
func (c *ContextCache) Len() int {
	return c.cache.Len()
}

// Document returns the raw bytes of a pinned context, if there is one
func (c *ContextCache) Document(u string) ([]byte, bool) {
	c.mu.RLock()
	doc, ok := c.pinned[u]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	b, err := json.Marshal(doc.Document)
	if err != nil {
		return nil, false
	}

	return b, true
}

func mustReadEmbedded(name string) []byte {
	b, err := embeddedContexts.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("embedded context %s is missing", name))
	}
	return b
}
