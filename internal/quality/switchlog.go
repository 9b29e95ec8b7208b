package quality

import (
	"encoding/json"
	"io"
	"sync"
)

// LogEntry is one contiguous stretch of a tile at a single tier, in the layout
// the offline reconstruction tooling reads from quality_log.json.
type LogEntry struct {
	TileIndex int     `json:"tileIndex"`
	Quality   string  `json:"quality"`
	Time      float64 `json:"time"`     // session seconds when the tier started
	Duration  float64 `json:"duration"` // seconds spent at the tier
}

// SwitchLog accumulates per-tile tier stretches.
type SwitchLog struct {
	mu      sync.Mutex
	entries []LogEntry
	open    map[int]int // tile -> index of its open entry
}

// NewSwitchLog creates an empty log.
func NewSwitchLog() *SwitchLog {
	return &SwitchLog{open: make(map[int]int)}
}

// Record starts a new stretch for tile at time at, closing its previous one.
// Times earlier than the open stretch's start are clamped to it.
func (l *SwitchLog) Record(tile int, level Level, at float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.open[tile]; ok {
		e := &l.entries[idx]
		if at < e.Time {
			at = e.Time
		}
		e.Duration = at - e.Time
	}
	l.entries = append(l.entries, LogEntry{TileIndex: tile, Quality: level.String(), Time: at})
	l.open[tile] = len(l.entries) - 1
}

// Len returns the number of stretches recorded.
func (l *SwitchLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the log with every still-open stretch closed at until.
func (l *SwitchLog) Entries(until float64) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	for _, idx := range l.open {
		if until > out[idx].Time {
			out[idx].Duration = until - out[idx].Time
		}
	}
	return out
}

// WriteJSON writes Entries(until) as a JSON array.
func (l *SwitchLog) WriteJSON(w io.Writer, until float64) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l.Entries(until))
}
