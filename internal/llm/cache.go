package llm

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const cacheSchema = `CREATE TABLE IF NOT EXISTS completions (
	key TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// Cache stores completions in a sqlite database keyed by request hash.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (creating if needed) the cache database at path. Use
// ":memory:" for a throwaway cache.
func OpenCache(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "create cache dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open cache")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create cache schema")
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached completion for key, if any.
func (c *Cache) Get(ctx context.Context, key string) (*Completion, bool, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT response FROM completions WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "read cache")
	}
	var comp Completion
	if err := json.Unmarshal([]byte(raw), &comp); err != nil {
		return nil, false, errors.Wrap(err, "decode cached completion")
	}
	comp.Cached = true
	return &comp, true, nil
}

// Put stores a completion under key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key, model string, comp *Completion) error {
	raw, err := json.Marshal(comp)
	if err != nil {
		return errors.Wrap(err, "encode completion")
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO completions (key, model, response, created_at) VALUES (?, ?, ?, ?)`,
		key, model, string(raw), time.Now().Unix())
	return errors.Wrap(err, "write cache")
}

// HashRequest returns a stable hex-encoded SHA-256 hash of the request.
func HashRequest(req *ChatRequest) (string, error) {
	body := *req
	body.Stream = false
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// CachedCompleter serves repeated low-temperature requests from a Cache.
// Requests that declare tools are never cached.
type CachedCompleter struct {
	Inner          Completer
	Cache          *Cache
	MaxTemperature float64
}

func (c *CachedCompleter) cacheable(req *ChatRequest) bool {
	if len(req.Tools) > 0 {
		return false
	}
	return req.Temperature == nil || *req.Temperature <= c.MaxTemperature
}

func (c *CachedCompleter) Complete(ctx context.Context, req *ChatRequest, opts CompleteOptions) (*Completion, error) {
	if c.Cache == nil || !c.cacheable(req) {
		return c.Inner.Complete(ctx, req, opts)
	}
	key, err := HashRequest(req)
	if err != nil {
		return nil, errors.Wrap(err, "hash request")
	}
	if comp, ok, err := c.Cache.Get(ctx, key); err != nil {
		log.Error("completion cache read failed: %v", err)
	} else if ok {
		log.Debug("completion cache hit %s", key[:12])
		if opts.OnProgress != nil {
			opts.OnProgress(comp.Text)
		}
		return comp, nil
	}

	comp, err := c.Inner.Complete(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Cache.Put(ctx, key, req.Model, comp); err != nil {
		log.Error("completion cache write failed: %v", err)
	}
	return comp, nil
}
