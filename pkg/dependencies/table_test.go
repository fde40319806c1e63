package dependencies

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable_SetGet(t *testing.T) {
	table := NewTable()

	_, ok := table.Get("_post_a")
	assert.False(t, ok)

	table.Set("_post_a", "A-1")
	v, ok := table.Get("_post_a")
	assert.True(t, ok)
	assert.Equal(t, "A-1", v)
}

// Reset clears only the normal table; the no-gc overlay persists, which
// the leakage checker relies on.
func TestTable_ResetKeepsOverlay(t *testing.T) {
	table := NewTable()
	table.Set("_post_a", "A-1")
	table.SetNoGC("_leaked", "bad-name")

	table.Reset()

	_, ok := table.Get("_post_a")
	assert.False(t, ok)
	v, ok := table.Get("_leaked")
	assert.True(t, ok)
	assert.Equal(t, "bad-name", v)
}

// An overlay binding wins over a stale normal binding of the same name.
func TestTable_OverlayOverridesNormal(t *testing.T) {
	table := NewTable()
	table.Set("_post_a", "stale")
	table.SetNoGC("_post_a", "pinned")

	v, _ := table.Get("_post_a")
	assert.Equal(t, "pinned", v)

	// A later normal set wins again.
	table.Set("_post_a", "fresh")
	v, _ = table.Get("_post_a")
	assert.Equal(t, "fresh", v)
}

func TestTable_OverflowEvictsOldest(t *testing.T) {
	table := NewTable()
	table.Set("_post_a", "1")
	table.Set("_post_a", "2")
	table.Set("_post_a", "3")

	assert.Equal(t, 3, table.LiveCount("_post_a"))
	evicted := table.Overflow("_post_a", 1)
	assert.Equal(t, []string{"1", "2"}, evicted)
	assert.Equal(t, 1, table.LiveCount("_post_a"))

	// Under cap: nothing to evict.
	assert.Nil(t, table.Overflow("_post_a", 5))
}

func TestTable_RestoreRequeuesFailures(t *testing.T) {
	table := NewTable()
	table.Set("_post_a", "1")
	table.Set("_post_a", "2")

	evicted := table.Overflow("_post_a", 0)
	assert.Len(t, evicted, 2)

	table.Restore("_post_a", []string{"1"})
	assert.Equal(t, 1, table.LiveCount("_post_a"))
	assert.Equal(t, []string{"1"}, table.Overflow("_post_a", 0))
}

func TestTable_SetNoGCInvisibleToGC(t *testing.T) {
	table := NewTable()
	table.SetNoGC("_leaked", "x")

	assert.Equal(t, 0, table.LiveCount("_leaked"))
	assert.Empty(t, table.Types())
}

func TestMarker(t *testing.T) {
	m := Marker("_post_a")
	assert.Equal(t, RDELIM+"_post_a"+RDELIM, m)
	assert.True(t, IsMarker("GET /A/"+m+" HTTP/1.1"))
	assert.False(t, IsMarker("GET /A/x HTTP/1.1"))
}
