// Package candlestore holds the ordered, deduplicated candle series of one
// chart session.
package candlestore

import (
	"slices"
	"sort"
)

// Candle is one OHLC bucket of the series. OpenTime is in seconds since epoch
// and is the identity key.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
}

// Position says which end of the series a batch is merged at.
type Position int

const (
	Newer Position = iota
	Older
)

func (p Position) String() string {
	if p == Older {
		return "older"
	}
	return "newer"
}

// Store is strictly ascending by OpenTime with unique keys after every call.
// It is not safe for concurrent use; one session goroutine owns it.
type Store struct {
	candles []Candle
}

func New() *Store {
	return &Store{}
}

// Len returns the number of candles in the series.
func (s *Store) Len() int {
	return len(s.candles)
}

// search returns the index of the first candle with OpenTime >= openTime.
func (s *Store) search(openTime int64) int {
	return sort.Search(len(s.candles), func(i int) bool {
		return s.candles[i].OpenTime >= openTime
	})
}

// Ceil returns the oldest candle with OpenTime >= openTime.
func (s *Store) Ceil(openTime int64) (Candle, bool) {
	i := s.search(openTime)
	if i < len(s.candles) {
		return s.candles[i], true
	}
	return Candle{}, false
}

// InsertOrReplace replaces the candle with the same OpenTime, or inserts c at
// its ordered position. It reports whether an existing candle was replaced.
func (s *Store) InsertOrReplace(c Candle) bool {
	i := s.search(c.OpenTime)
	if i < len(s.candles) && s.candles[i].OpenTime == c.OpenTime {
		s.candles[i] = c
		return true
	}
	s.candles = slices.Insert(s.candles, i, c)
	return false
}

// Append adds c at the tail without checking order. Callers follow up with
// DeduplicateAndSort when c may not be the newest.
func (s *Store) Append(c Candle) {
	s.candles = append(s.candles, c)
}

// MergeChunk adds a batch at one end of the series and restores the
// invariant. Candles from the batch win over stored candles with the same
// key, and later entries in the batch win over earlier ones.
// It returns how many candles were dropped as duplicates.
func (s *Store) MergeChunk(batch []Candle, pos Position) int {
	if len(batch) == 0 {
		return 0
	}

	incoming := make(map[int64]struct{}, len(batch))
	for _, c := range batch {
		incoming[c.OpenTime] = struct{}{}
	}
	kept := make([]Candle, 0, len(s.candles))
	for _, c := range s.candles {
		if _, ok := incoming[c.OpenTime]; !ok {
			kept = append(kept, c)
		}
	}
	removed := len(s.candles) - len(kept)

	merged := make([]Candle, 0, len(kept)+len(batch))
	if pos == Older {
		merged = append(merged, batch...)
		merged = append(merged, kept...)
	} else {
		merged = append(merged, kept...)
		merged = append(merged, batch...)
	}
	s.candles = merged

	return removed + s.DeduplicateAndSort()
}

// DeduplicateAndSort sorts by OpenTime and, for repeated keys, keeps the
// occurrence written last in slice order. It returns how many were dropped.
func (s *Store) DeduplicateAndSort() int {
	if len(s.candles) < 2 {
		return 0
	}
	// Stable keeps write order within equal keys.
	sort.SliceStable(s.candles, func(i, j int) bool {
		return s.candles[i].OpenTime < s.candles[j].OpenTime
	})

	out := s.candles[:0]
	for i, c := range s.candles {
		if i+1 < len(s.candles) && s.candles[i+1].OpenTime == c.OpenTime {
			continue
		}
		out = append(out, c)
	}
	removed := len(s.candles) - len(out)
	s.candles = out
	return removed
}

func (s *Store) Oldest() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[0], true
}

func (s *Store) Newest() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Snapshot returns a copy of the series.
func (s *Store) Snapshot() []Candle {
	cp := make([]Candle, len(s.candles))
	copy(cp, s.candles)
	return cp
}
