package qrea

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CSVHeader is the export header row.
var CSVHeader = []string{"Time", "Qmatch", "Rlatency", "Buse", "Qstability", "QREA"}

// Log is the append-only, time-ordered sample log.
type Log struct {
	mu      sync.RWMutex
	samples []Sample
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) append(s Sample, period time.Duration) Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.Index = len(l.samples)
	s.Time = float64(s.Index) * period.Seconds()
	l.samples = append(l.samples, s)
	return s
}

// Len returns the sample count.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples)
}

// Samples returns a copy of every sample in order.
func (l *Log) Samples() []Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Sample, len(l.samples))
	copy(out, l.samples)
	return out
}

// Last returns the most recent sample.
func (l *Log) Last() (Sample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.samples) == 0 {
		return Sample{}, false
	}
	return l.samples[len(l.samples)-1], true
}

// WriteCSV exports the log with every numeric field at 3 decimals.
func (l *Log) WriteCSV(w io.Writer) error {
	return WriteCSV(w, l.Samples())
}

// WriteCSV writes samples in export layout.
func WriteCSV(w io.Writer, samples []Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("qrea: write header: %w", err)
	}
	for _, s := range samples {
		row := []string{
			format3(s.Time),
			format3(s.Qmatch),
			format3(s.Rlatency),
			format3(s.Buse),
			format3(s.Qstability),
			format3(s.QREA),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("qrea: write row %d: %w", s.Index, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseCSV reads an exported log back. Sample indices are assigned by row order.
func ParseCSV(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(CSVHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("qrea: empty export")
		}
		return nil, fmt.Errorf("qrea: read header: %w", err)
	}
	for i, h := range header {
		if !strings.EqualFold(strings.TrimSpace(h), CSVHeader[i]) {
			return nil, fmt.Errorf("qrea: unexpected column %q at %d", h, i)
		}
	}

	var out []Sample
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("qrea: read row %d: %w", len(out)+1, err)
		}
		var vals [6]float64
		for i, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("qrea: row %d column %s: %w", len(out)+1, CSVHeader[i], err)
			}
			vals[i] = v
		}
		out = append(out, Sample{
			Index:      len(out),
			Time:       vals[0],
			Qmatch:     vals[1],
			Rlatency:   vals[2],
			Buse:       vals[3],
			Qstability: vals[4],
			QREA:       vals[5],
		})
	}
	return out, nil
}

func format3(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
