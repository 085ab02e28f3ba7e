// Package cache stores fetched pages so repeated searches and link
// resolutions do not hit the upstream sites again. Pages live in Redis when
// it is configured, otherwise in process memory.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"novelext/internal/config"
)

const (
	keyPrefix       = "novelext:page:"
	defaultTTL      = time.Hour
	cleanupInterval = 10 * time.Minute
)

type Entry struct {
	URL        string      `json:"url"`
	Body       []byte      `json:"body"`
	Headers    http.Header `json:"headers"`
	StatusCode int         `json:"status_code"`
	Timestamp  time.Time   `json:"timestamp"`
	MaxAge     *int        `json:"max_age,omitempty"`
	Expires    *time.Time  `json:"expires,omitempty"`
}

// Cache is backed by exactly one of client or memory.
type Cache struct {
	client *redis.Client
	memory *gocache.Cache
}

func New(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &Cache{client: client}, nil
}

// NewMemory returns a cache held in process memory, for hosts without Redis.
func NewMemory() *Cache {
	return &Cache{memory: gocache.New(defaultTTL, cleanupInterval)}
}

// NewEntry captures resp and body, reading freshness hints from the headers.
func NewEntry(resp *http.Response, body []byte) *Entry {
	entry := &Entry{
		Body:       body,
		Headers:    resp.Header.Clone(),
		StatusCode: resp.StatusCode,
		Timestamp:  time.Now(),
		MaxAge:     parseMaxAge(resp.Header.Get("Cache-Control")),
		Expires:    parseExpires(resp.Header.Get("Expires")),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		entry.URL = resp.Request.URL.String()
	}
	return entry
}

func (c *Cache) Close() error {
	if c.client == nil {
		c.memory.Flush()
		return nil
	}
	return c.client.Close()
}

// Get returns the cached entry for rawURL, or nil on a miss.
func (c *Cache) Get(ctx context.Context, rawURL string) *Entry {
	data, err := c.read(ctx, c.generateKey(rawURL))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("Failed to read cache entry", "url", rawURL, "error", err)
		}
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Error("Failed to decode cache entry", "url", rawURL, "error", err)
		return nil
	}

	if c.isExpired(&entry) {
		return nil
	}

	return &entry
}

func (c *Cache) Set(ctx context.Context, rawURL string, entry *Entry) error {
	ttl := c.calculateTTL(entry)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	if err := c.write(ctx, c.generateKey(rawURL), data, ttl); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	return nil
}

// read returns redis.Nil on a miss from either backend.
func (c *Cache) read(ctx context.Context, key string) ([]byte, error) {
	if c.client == nil {
		value, found := c.memory.Get(key)
		if !found {
			return nil, redis.Nil
		}
		data, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected cached value of type %T", value)
		}
		return data, nil
	}
	return c.client.Get(ctx, key).Bytes()
}

func (c *Cache) write(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if c.client == nil {
		c.memory.Set(key, data, ttl)
		return nil
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// IsCacheable reports whether resp may be stored.
func (c *Cache) IsCacheable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}

	if resp.Request != nil && resp.Request.Method != http.MethodGet {
		return false
	}

	if resp.Header.Get("Set-Cookie") != "" {
		return false
	}

	cacheControl := strings.ToLower(resp.Header.Get("Cache-Control"))
	for _, directive := range []string{"no-cache", "no-store", "private"} {
		if strings.Contains(cacheControl, directive) {
			return false
		}
	}

	return true
}

func (c *Cache) generateKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *Cache) isExpired(entry *Entry) bool {
	return time.Now().After(c.expiresAt(entry))
}

func (c *Cache) calculateTTL(entry *Entry) time.Duration {
	return time.Until(c.expiresAt(entry))
}

func (c *Cache) expiresAt(entry *Entry) time.Time {
	if entry.MaxAge != nil {
		return entry.Timestamp.Add(time.Duration(*entry.MaxAge) * time.Second)
	}
	if entry.Expires != nil {
		return *entry.Expires
	}
	return entry.Timestamp.Add(defaultTTL)
}

func parseMaxAge(cacheControl string) *int {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		value, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return nil
		}
		return &seconds
	}
	return nil
}

func parseExpires(expires string) *time.Time {
	if expires == "" {
		return nil
	}
	t, err := http.ParseTime(expires)
	if err != nil {
		return nil
	}
	return &t
}
