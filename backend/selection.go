package backend

import "strings"

// Playlist selection helpers. Each returns a new slice and keeps the input
// order.

// SelectByDuration keeps items whose duration in seconds is within
// [min, max]. A zero max means no upper bound. Items with unknown duration
// are kept only when min is zero.
func SelectByDuration(items []WorkItem, min, max float64) []WorkItem {
	var out []WorkItem
	for _, it := range items {
		if it.Duration <= 0 {
			if min <= 0 {
				out = append(out, it)
			}
			continue
		}
		if it.Duration < min {
			continue
		}
		if max > 0 && it.Duration > max {
			continue
		}
		out = append(out, it)
	}
	return out
}

// SelectEveryNth keeps every nth item starting at offset (0-based).
func SelectEveryNth(items []WorkItem, n, offset int) []WorkItem {
	if n <= 1 && offset <= 0 {
		return append([]WorkItem(nil), items...)
	}
	if n < 1 {
		n = 1
	}
	if offset < 0 {
		offset = 0
	}
	var out []WorkItem
	for i := offset; i < len(items); i += n {
		out = append(out, items[i])
	}
	return out
}

// SearchItems keeps items whose title or uploader contains every word of
// query, case-insensitively.
func SearchItems(items []WorkItem, query string) []WorkItem {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return append([]WorkItem(nil), items...)
	}
	var out []WorkItem
	for _, it := range items {
		haystack := strings.ToLower(it.Title + " " + it.Uploader)
		match := true
		for _, w := range words {
			if !strings.Contains(haystack, w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, it)
		}
	}
	return out
}

// LimitItems keeps the first n items. n <= 0 keeps everything.
func LimitItems(items []WorkItem, n int) []WorkItem {
	if n <= 0 || n >= len(items) {
		return append([]WorkItem(nil), items...)
	}
	return append([]WorkItem(nil), items[:n]...)
}

// Selection bundles the helpers for API requests.
type Selection struct {
	MinDuration float64 `json:"minDuration,omitempty" validate:"gte=0"`
	MaxDuration float64 `json:"maxDuration,omitempty" validate:"gte=0"`
	EveryNth    int     `json:"everyNth,omitempty" validate:"gte=0"`
	Offset      int     `json:"offset,omitempty" validate:"gte=0"`
	Query       string  `json:"query,omitempty"`
	Limit       int     `json:"limit,omitempty" validate:"gte=0"`
}

// Apply runs search, duration, every-nth and limit in that order.
func (s Selection) Apply(items []WorkItem) []WorkItem {
	out := SearchItems(items, s.Query)
	if s.MinDuration > 0 || s.MaxDuration > 0 {
		out = SelectByDuration(out, s.MinDuration, s.MaxDuration)
	}
	if s.EveryNth > 1 || s.Offset > 0 {
		out = SelectEveryNth(out, s.EveryNth, s.Offset)
	}
	return LimitItems(out, s.Limit)
}
