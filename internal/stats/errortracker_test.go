package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTrackerRecordAndSnapshot(t *testing.T) {
	tr := NewErrorTracker()
	tr.Record("timeout")
	tr.Record("timeout")
	tr.Record("upstream_5xx")

	byKind, total := tr.Snapshot()
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), byKind["timeout"])
	assert.Equal(t, int64(1), byKind["upstream_5xx"])
}

func TestErrorTrackerSnapshotIsCopy(t *testing.T) {
	tr := NewErrorTracker()
	tr.Record("timeout")

	byKind, _ := tr.Snapshot()
	byKind["timeout"] = 999

	byKind2, _ := tr.Snapshot()
	assert.Equal(t, int64(1), byKind2["timeout"])
}

func TestErrorTrackerConcurrentRecord(t *testing.T) {
	tr := NewErrorTracker()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("timeout")
		}()
	}
	wg.Wait()

	_, total := tr.Snapshot()
	assert.Equal(t, int64(100), total)
}
