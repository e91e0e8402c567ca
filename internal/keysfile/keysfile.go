// Package keysfile parses the keys JSON document (spec.md §6):
// {"keys": ["<id>.<secret>", ...], "baseUrl": "<origin>"}.
package keysfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Entry is one parsed credential line: the redaction-safe id and the
// opaque secret, kept separate so the secret never has to be
// re-derived from a combined string in logging paths.
type Entry struct {
	KeyID  string
	Secret string
}

// Document is the parsed keys file.
type Document struct {
	Keys    []Entry
	BaseURL string
}

// Parse parses raw JSON bytes into a Document.
func Parse(data []byte) (Document, error) {
	var raw struct {
		Keys    []string `json:"keys"`
		BaseURL string   `json:"baseUrl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("keysfile: invalid JSON: %w", err)
	}
	if raw.BaseURL == "" {
		return Document{}, fmt.Errorf("keysfile: baseUrl is required")
	}

	doc := Document{BaseURL: raw.BaseURL}
	for i, k := range raw.Keys {
		idx := strings.IndexByte(k, '.')
		if idx < 0 || idx == len(k)-1 {
			return Document{}, fmt.Errorf("keysfile: key at index %d is not in \"<id>.<secret>\" form", i)
		}
		doc.Keys = append(doc.Keys, Entry{KeyID: k[:idx], Secret: k[idx+1:]})
	}
	if len(doc.Keys) == 0 {
		return Document{}, fmt.Errorf("keysfile: at least one key is required")
	}
	return doc, nil
}

// Load reads and parses the keys file at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("keysfile: read %s: %w", path, err)
	}
	return Parse(data)
}

// UpstreamHeaderValue renders the upstream Authorization header form for
// an entry, e.g. "Bearer <id>.<secret>" (spec.md §6).
func (e Entry) UpstreamHeaderValue() string {
	return "Bearer " + e.KeyID + "." + e.Secret
}
