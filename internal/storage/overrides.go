// Package storage keeps operator overrides on disk. The document is the "chat" layer of
// policy resolution, so it always wins over file and env values.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"convexity_trading/internal/config"
)

// SchemaVersion is written on every save.
const SchemaVersion = 2

// Override is one operator-set policy value.
type Override struct {
	Key   string    `json:"key"`
	Value string    `json:"value"`
	SetBy string    `json:"set_by,omitempty"`
	SetAt time.Time `json:"set_at"`
}

type document struct {
	Version   int                 `json:"version"`
	Overrides map[string]Override `json:"overrides"`
}

// OverrideStore is safe for concurrent use. Every change is written before it returns.
type OverrideStore struct {
	mu   sync.Mutex
	path string
	doc  document
	now  func() time.Time
}

var _ config.Source = (*OverrideStore)(nil)

// NewOverrideStore loads path, creating an empty document when the file is missing and
// migrating older layouts in place.
func NewOverrideStore(path string) (*OverrideStore, error) {
	s := &OverrideStore{path: path, now: time.Now}
	doc, err := load(path)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

func load(path string) (document, error) {
	empty := document{Version: SchemaVersion, Overrides: map[string]Override{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[CONFIG] override file %s missing, starting empty", path)
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("read overrides: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return empty, nil
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return empty, fmt.Errorf("parse overrides %s: %w", path, err)
	}
	doc, migrated, err := migrate(data, probe.Version)
	if err != nil {
		return empty, fmt.Errorf("migrate overrides %s: %w", path, err)
	}
	if migrated {
		log.Printf("[CONFIG] overrides migrated to schema %d", doc.Version)
		if err := save(path, doc); err != nil {
			return empty, err
		}
	}
	return doc, nil
}

// migrate upgrades older documents. Version 1 (no version field) was a flat
// {"key": "value"} object.
func migrate(data []byte, version int) (document, bool, error) {
	if version >= SchemaVersion {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return doc, false, err
		}
		if doc.Overrides == nil {
			doc.Overrides = map[string]Override{}
		}
		return doc, false, nil
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return document{}, false, err
	}
	doc := document{Version: SchemaVersion, Overrides: make(map[string]Override, len(flat))}
	for k, raw := range flat {
		if k == "version" {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			v = strings.TrimSpace(string(raw))
		}
		key := strings.ToLower(k)
		doc.Overrides[key] = Override{Key: key, Value: v, SetBy: "migration"}
	}
	return doc, true, nil
}

// save writes through a synced temp file and renames it over path.
func save(path string, doc document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp overrides file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write temp overrides file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp overrides file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp overrides file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace overrides file: %w", err)
	}
	return nil
}

func (s *OverrideStore) Name() string { return "chat" }

func (s *OverrideStore) Values() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.doc.Overrides))
	for k, o := range s.doc.Overrides {
		out[k] = o.Value
	}
	return out, nil
}

// Set validates value against current (the policy in force) and stores it.
func (s *OverrideStore) Set(current config.Policy, key, value, by string) (Override, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if err := config.ValidateOverride(current, key, value); err != nil {
		return Override{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneDoc(s.doc)
	o := Override{Key: key, Value: value, SetBy: by, SetAt: s.now()}
	next.Overrides[key] = o
	if err := save(s.path, next); err != nil {
		return Override{}, err
	}
	s.doc = next
	log.Printf("[CONFIG] override %s=%s set by %s", key, value, by)
	return o, nil
}

// Unset removes key. It reports false when there was no override.
func (s *OverrideStore) Unset(key string) (bool, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Overrides[key]; !ok {
		return false, nil
	}
	next := cloneDoc(s.doc)
	delete(next.Overrides, key)
	if err := save(s.path, next); err != nil {
		return false, err
	}
	s.doc = next
	log.Printf("[CONFIG] override %s removed", key)
	return true, nil
}

// List returns overrides sorted by key.
func (s *OverrideStore) List() []Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Override, 0, len(s.doc.Overrides))
	for _, o := range s.doc.Overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func cloneDoc(d document) document {
	out := document{Version: SchemaVersion, Overrides: make(map[string]Override, len(d.Overrides))}
	for k, v := range d.Overrides {
		out.Overrides[k] = v
	}
	return out
}
