package dictionary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// The normalizer is pinned to a fixed "today" so the expected values are
// exact: stale examples map onto [today, today+7], preserving their
// position within the example set.
func fixedNormalizer() *dateNormalizer {
	return &dateNormalizer{now: func() time.Time {
		return time.Date(2025, 6, 15, 13, 45, 0, 0, time.UTC)
	}}
}

func TestNormalize_StaleDatesShiftForward(t *testing.T) {
	n := fixedNormalizer()

	out := n.normalizeAll([]string{
		"2019-06-26",
		"2020-01-01",
		"2021-12-31",
	}, false)

	assert.Equal(t, []string{
		"2025-06-15",
		"2025-06-16",
		"2025-06-17",
	}, out)
}

func TestNormalize_FutureAndUnparseableUntouched(t *testing.T) {
	n := fixedNormalizer()

	out := n.normalizeAll([]string{
		"2030-01-01",
		"not a date",
		"2019-06-26",
	}, false)

	assert.Equal(t, "2030-01-01", out[0])
	assert.Equal(t, "not a date", out[1])
	// Position within the stale subset, not the whole list, drives the
	// offset: the single stale entry lands on today.
	assert.Equal(t, "2025-06-15", out[2])
}

func TestNormalize_PositionWrapsAtWindow(t *testing.T) {
	n := fixedNormalizer()

	stale := make([]string, 9)
	for i := range stale {
		stale[i] = "2019-01-02"
	}
	out := n.normalizeAll(stale, false)

	assert.Equal(t, "2025-06-15", out[0])
	assert.Equal(t, "2025-06-22", out[7], "eighth stale example lands on today+7")
	assert.Equal(t, "2025-06-15", out[8], "window wraps after today+7")
}

func TestNormalize_DateTimeKeepsClock(t *testing.T) {
	n := fixedNormalizer()

	out := n.normalizeAll([]string{"2019-06-26T20:20:39+00:00"}, true)
	assert.Equal(t, "2025-06-15T20:20:39Z", out[0])
}

func TestNormalize_SlashFormats(t *testing.T) {
	n := fixedNormalizer()

	out := n.normalizeAll([]string{"01/02/2019", "1/2/2019 10:30:00"}, false)
	// Reformatting goes through the non-padded layout.
	assert.Equal(t, "6/15/2025", out[0])
	assert.Equal(t, "6/16/2025 00:00:00", out[1])
}
