package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Observer is notified after configuration paths change at runtime
type Observer func(changedPaths []string)

// Config is the process-wide configuration tree. It is loaded once from a
// JSON file and may later be overlaid with cloud-pushed settings. Readers
// always get value copies; the tree is guarded by a single RWMutex.
type Config struct {
	mu        sync.RWMutex
	filePath  string
	fileDoc   string // document as loaded from disk
	doc       string // merged document (file + overlays)
	observers []Observer
}

// Load reads the configuration file and builds the tree
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse config file %s: invalid JSON", filePath)
	}
	doc := string(data)
	return &Config{filePath: filePath, fileDoc: doc, doc: doc}, nil
}

// FromJSON builds a tree from an in-memory document; used by tests and
// by components that construct ad-hoc configuration fragments.
func FromJSON(doc string) (*Config, error) {
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("failed to parse config document: invalid JSON")
	}
	return &Config{fileDoc: doc, doc: doc}, nil
}

// Reload re-reads the file-defined configuration, discarding all overlays.
// Callers that hold overlays are expected to re-apply them afterwards.
func (c *Config) Reload() error {
	if c.filePath == "" {
		c.mu.Lock()
		c.doc = c.fileDoc
		c.mu.Unlock()
		return nil
	}
	data, err := os.ReadFile(c.filePath)
	if err != nil {
		return fmt.Errorf("failed to reload config file %s: %w", c.filePath, err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("failed to reload config file %s: invalid JSON", c.filePath)
	}
	c.mu.Lock()
	c.fileDoc = string(data)
	c.doc = c.fileDoc
	c.mu.Unlock()
	return nil
}

// GetString returns the string at a dotted path, or def when absent
func (c *Config) GetString(path, def string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := gjson.Get(c.doc, path)
	if !v.Exists() {
		return def
	}
	return v.String()
}

// GetInt returns the integer at a dotted path, or def when absent
func (c *Config) GetInt(path string, def int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := gjson.Get(c.doc, path)
	if !v.Exists() {
		return def
	}
	return v.Int()
}

// GetBool returns the boolean at a dotted path, or def when absent
func (c *Config) GetBool(path string, def bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := gjson.Get(c.doc, path)
	if !v.Exists() {
		return def
	}
	return v.Bool()
}

// GetJSON returns the raw value at a dotted path. The result is a value
// copy and safe to hold across config updates.
func (c *Config) GetJSON(path string) gjson.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gjson.Get(c.doc, path)
}

// Set overlays a single path with a raw JSON value and notifies observers
func (c *Config) Set(path, rawJSON string) error {
	return c.Overlay(map[string]string{path: rawJSON})
}

// Overlay merges path→raw-JSON-value pairs onto the tree and notifies
// observers once with the full changed-path set.
func (c *Config) Overlay(values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	changed := make([]string, 0, len(values))
	c.mu.Lock()
	doc := c.doc
	for path, raw := range values {
		next, err := sjson.SetRaw(doc, path, raw)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to overlay config path %s: %w", path, err)
		}
		doc = next
		changed = append(changed, path)
	}
	c.doc = doc
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, obs := range observers {
		obs(changed)
	}
	return nil
}

// Subscribe registers an observer for runtime configuration changes
func (c *Config) Subscribe(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

// Document returns a copy of the merged JSON document
func (c *Config) Document() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc
}
