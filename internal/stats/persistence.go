package stats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SupportedSchemaVersion is the persisted-state schema this binary
// writes and fully understands. Files with a strictly greater version
// are still loaded, best-effort, with a warning.
const SupportedSchemaVersion = 1

// KeyTotals is one credential's lifetime counters, as persisted.
type KeyTotals struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Retries   int64 `json:"retries"`
}

// Document is the on-disk stats file shape (spec.md §6).
type Document struct {
	SchemaVersion int                  `json:"schemaVersion"`
	FirstSeen     time.Time            `json:"firstSeen"`
	LastUpdated   time.Time            `json:"lastUpdated"`
	Keys          map[string]KeyTotals `json:"keys"`
	Totals        KeyTotals            `json:"totals"`
}

// Persistence owns the local stats file, writing it atomically
// (temp-file + rename, matching the teacher's config-reload discipline
// of never leaving a half-written file for a concurrent reader) and
// optionally mirroring every write to a remote backend such as
// DynamoDB (see persistence_dynamodb.go).
type Persistence struct {
	mu       sync.Mutex
	path     string
	doc      Document
	mirror   RemoteMirror
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// RemoteMirror is an optional durable side-write of the stats
// document. Failures are logged, never fatal: local disk is the
// source of truth.
type RemoteMirror interface {
	Put(doc Document) error
}

// NewPersistence loads path if present (best-effort on schema
// mismatch) or starts a fresh document. mirror may be nil.
func NewPersistence(path string, mirror RemoteMirror, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persistence{path: path, mirror: mirror, logger: logger, nowFunc: time.Now}
	p.doc = p.load()
	return p
}

func (p *Persistence) load() Document {
	now := p.nowFunc()
	empty := Document{SchemaVersion: SupportedSchemaVersion, FirstSeen: now, LastUpdated: now, Keys: map[string]KeyTotals{}}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("stats: failed to read persisted file, starting fresh", "path", p.path, "error", err)
		}
		return empty
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		p.logger.Warn("stats: persisted file is corrupt, starting fresh", "path", p.path, "error", err)
		return empty
	}
	if doc.Keys == nil {
		doc.Keys = map[string]KeyTotals{}
	}
	if doc.SchemaVersion > SupportedSchemaVersion {
		p.logger.Warn("stats: persisted file has a newer schema version than this binary supports, loading best-effort",
			"fileVersion", doc.SchemaVersion, "supportedVersion", SupportedSchemaVersion)
	}
	return doc
}

// Record merges one credential's latest lifetime counters into the
// document and persists it.
func (p *Persistence) Record(keyID string, totals KeyTotals) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.doc.Keys[keyID]
	p.doc.Totals.Requests += totals.Requests - prev.Requests
	p.doc.Totals.Successes += totals.Successes - prev.Successes
	p.doc.Totals.Failures += totals.Failures - prev.Failures
	p.doc.Totals.Retries += totals.Retries - prev.Retries
	p.doc.Keys[keyID] = totals
	p.doc.LastUpdated = p.nowFunc()

	return p.flushLocked()
}

// Snapshot returns a copy of the current document.
func (p *Persistence) Snapshot() Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyLocked()
}

func (p *Persistence) copyLocked() Document {
	keys := make(map[string]KeyTotals, len(p.doc.Keys))
	for k, v := range p.doc.Keys {
		keys[k] = v
	}
	out := p.doc
	out.Keys = keys
	return out
}

func (p *Persistence) flushLocked() error {
	doc := p.copyLocked()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("stats: marshal document: %w", err)
	}

	if err := writeFileAtomic(p.path, raw); err != nil {
		return fmt.Errorf("stats: write document: %w", err)
	}

	if p.mirror != nil {
		if err := p.mirror.Put(doc); err != nil {
			p.logger.Warn("stats: remote mirror write failed", "error", err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".stats-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
