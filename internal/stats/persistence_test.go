package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistenceFreshFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistence(filepath.Join(dir, "stats.json"), nil, nil)

	snap := p.Snapshot()
	assert.Equal(t, SupportedSchemaVersion, snap.SchemaVersion)
	assert.Empty(t, snap.Keys)
}

func TestPersistenceRecordWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	p := NewPersistence(path, nil, nil)

	require.NoError(t, p.Record("key-1", KeyTotals{Requests: 5, Successes: 4, Failures: 1}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, int64(5), doc.Keys["key-1"].Requests)
	assert.Equal(t, int64(5), doc.Totals.Requests)

	// no stray temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPersistenceRecordIsDeltaAdjusted(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistence(filepath.Join(dir, "stats.json"), nil, nil)

	require.NoError(t, p.Record("key-1", KeyTotals{Requests: 5, Successes: 5}))
	require.NoError(t, p.Record("key-1", KeyTotals{Requests: 8, Successes: 7}))

	snap := p.Snapshot()
	assert.Equal(t, int64(8), snap.Totals.Requests)
	assert.Equal(t, int64(7), snap.Totals.Successes)
}

func TestPersistenceReloadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	p1 := NewPersistence(path, nil, nil)
	require.NoError(t, p1.Record("key-1", KeyTotals{Requests: 3}))

	p2 := NewPersistence(path, nil, nil)
	snap := p2.Snapshot()
	assert.Equal(t, int64(3), snap.Keys["key-1"].Requests)
}

func TestPersistenceNewerSchemaVersionLoadsBestEffort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	future := Document{SchemaVersion: SupportedSchemaVersion + 1, Keys: map[string]KeyTotals{"key-1": {Requests: 1}}, LastUpdated: time.Now()}
	raw, err := json.Marshal(future)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	p := NewPersistence(path, nil, nil)
	snap := p.Snapshot()
	assert.Equal(t, int64(1), snap.Keys["key-1"].Requests)
}

func TestPersistenceCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	p := NewPersistence(path, nil, nil)
	snap := p.Snapshot()
	assert.Empty(t, snap.Keys)
}

type fakeMirror struct {
	puts []Document
	err  error
}

func (f *fakeMirror) Put(doc Document) error {
	f.puts = append(f.puts, doc)
	return f.err
}

func TestPersistenceMirrorsOnWrite(t *testing.T) {
	dir := t.TempDir()
	mirror := &fakeMirror{}
	p := NewPersistence(filepath.Join(dir, "stats.json"), mirror, nil)

	require.NoError(t, p.Record("key-1", KeyTotals{Requests: 1}))
	require.Len(t, mirror.puts, 1)
	assert.Equal(t, int64(1), mirror.puts[0].Keys["key-1"].Requests)
}

func TestPersistenceMirrorFailureDoesNotFailWrite(t *testing.T) {
	dir := t.TempDir()
	mirror := &fakeMirror{err: assertErr{}}
	p := NewPersistence(filepath.Join(dir, "stats.json"), mirror, nil)

	err := p.Record("key-1", KeyTotals{Requests: 1})
	assert.NoError(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "mirror unavailable" }
