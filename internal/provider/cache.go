package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Fingerprint computes the content-addressed cache key for a request:
// sha256 over provider, model, normalized messages, sampling params, and
// seed. Identical requests within the TTL resolve to at most one provider
// call.
func Fingerprint(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Provider))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})

	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimRight(m.Content, " \t")))
		h.Write([]byte{0})
		if len(m.ToolCall) > 0 {
			h.Write(m.ToolCall)
			h.Write([]byte{0})
		}
	}

	// Params marshal deterministically: fixed struct field order.
	params := struct {
		Temperature      float64  `json:"t"`
		MaxTokens        int      `json:"mt"`
		TopP             float64  `json:"tp"`
		FrequencyPenalty float64  `json:"fp"`
		PresencePenalty  float64  `json:"pp"`
		Stop             []string `json:"stop,omitempty"`
		ResponseFormat   string   `json:"rf,omitempty"`
		Seed             *int64   `json:"seed,omitempty"`
	}{
		Temperature:      req.Options.Temperature,
		MaxTokens:        req.Options.MaxTokens,
		TopP:             req.Options.TopP,
		FrequencyPenalty: req.Options.FrequencyPenalty,
		PresencePenalty:  req.Options.PresencePenalty,
		Stop:             req.Options.Stop,
		ResponseFormat:   req.Options.ResponseFormat,
		Seed:             req.Options.Seed,
	}
	enc, _ := json.Marshal(params)
	h.Write(enc)

	return hex.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether the request may use the response cache. A request
// with no seed and a positive temperature is non-deterministic, so caching it
// would conflate distinct samples under one key; explicit opt-out also
// disables the cache.
func Cacheable(req Request) bool {
	if req.Options.NoCache {
		return false
	}
	if req.Options.Seed == nil && req.Options.Temperature > 0 {
		return false
	}
	return true
}

type cacheEntry struct {
	resp      Response
	expiresAt time.Time
}

// Cache is the in-process response cache shared across iterations and
// workers. Readers never block writers; writers use compare-and-set on the
// fingerprint key so concurrent fills keep the first stored response.
type Cache struct {
	ttl     time.Duration
	entries sync.Map // fingerprint -> cacheEntry
}

// DefaultCacheTTL bounds how long an identical request is served from cache.
const DefaultCacheTTL = time.Hour

// NewCache creates a response cache. A non-positive ttl uses DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl}
}

// Get returns the cached response for the fingerprint, marked Cached, or
// false when absent or expired.
func (c *Cache) Get(fingerprint string) (*Response, bool) {
	v, ok := c.entries.Load(fingerprint)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.entries.Delete(fingerprint)
		return nil, false
	}
	resp := entry.resp
	resp.Cached = true
	return &resp, true
}

// Put stores the response under the fingerprint unless a live entry already
// exists. Returns the response that ends up cached.
func (c *Cache) Put(fingerprint string, resp *Response) *Response {
	entry := cacheEntry{resp: *resp, expiresAt: time.Now().Add(c.ttl)}
	entry.resp.Cached = false

	if prev, loaded := c.entries.LoadOrStore(fingerprint, entry); loaded {
		existing := prev.(cacheEntry)
		if time.Now().Before(existing.expiresAt) {
			kept := existing.resp
			return &kept
		}
		// Expired entry lost the race: replace it.
		c.entries.Store(fingerprint, entry)
	}
	return resp
}

// Purge drops expired entries. Called opportunistically by the client.
func (c *Cache) Purge() {
	now := time.Now()
	c.entries.Range(func(k, v any) bool {
		if now.After(v.(cacheEntry).expiresAt) {
			c.entries.Delete(k)
		}
		return true
	})
}
