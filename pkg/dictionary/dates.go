package dictionary

import (
	"time"
)

// dateLayouts are the example date formats the normalizer recognizes. The
// matched layout is reused when reformatting, so a shifted example keeps
// its original shape.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"1/2/2006 15:04:05 MST",
	"1/2/2006 15:04:05",
	"1/2/2006",
}

// dateNormalizer shifts stale example dates into the near future. Example
// dates taken from recorded API traffic age out quickly; a date in the
// past is rejected by most services before the request exercises anything
// interesting. Each stale example is remapped, preserving its position
// within the example set, onto a date in [today, today+7].
type dateNormalizer struct {
	// now is split out for tests.
	now func() time.Time
}

func newDateNormalizer() *dateNormalizer {
	return &dateNormalizer{now: time.Now}
}

// normalizeAll rewrites every stale date in values, leaving unparseable
// and future entries untouched. The position counter advances only on
// stale entries so the produced dates pack the [today, today+7] window.
func (n *dateNormalizer) normalizeAll(values []string, withTime bool) []string {
	out := make([]string, len(values))
	today := n.now()
	stale := 0
	for i, v := range values {
		parsed, layout, ok := parseDate(v)
		if !ok || !parsed.Before(truncateDay(today)) {
			out[i] = v
			continue
		}
		shifted := truncateDay(today).AddDate(0, 0, stale%8)
		stale++
		if withTime {
			// Keep the example's clock component on the shifted day.
			shifted = shifted.Add(clockOf(parsed))
		}
		out[i] = shifted.Format(layout)
	}
	return out
}

func parseDate(v string) (time.Time, string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, layout, true
		}
	}
	return time.Time{}, "", false
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func clockOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}
