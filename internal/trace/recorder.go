package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

// Recorder accumulates the live gaze for later replay.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one sample. time is the shared timeline position in seconds.
func (r *Recorder) Record(time float64, dir geometry.Vec3, quadrant int) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Time: time, Dir: dir, Quadrant: quadrant})
	r.mu.Unlock()
}

// Len returns the number of recorded samples.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a copy of the recording.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// WriteCSV exports the recording as time,x,y,z,quadrant.
func (r *Recorder) WriteCSV(w io.Writer) error {
	return WriteCSV(w, r.Entries(), true)
}

// WriteCSV writes entries with time at 2 decimals and direction components at
// 4. The quadrant column is written only when withQuadrant is set.
func WriteCSV(w io.Writer, entries []Entry, withQuadrant bool) error {
	cw := csv.NewWriter(w)
	header := []string{"time", "x", "y", "z"}
	if withQuadrant {
		header = append(header, "quadrant")
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("trace: write header: %w", err)
	}
	for i, e := range entries {
		row := []string{
			strconv.FormatFloat(e.Time, 'f', 2, 64),
			strconv.FormatFloat(e.Dir.X, 'f', 4, 64),
			strconv.FormatFloat(e.Dir.Y, 'f', 4, 64),
			strconv.FormatFloat(e.Dir.Z, 'f', 4, 64),
		}
		if withQuadrant {
			row = append(row, strconv.Itoa(e.Quadrant))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("trace: write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Generate produces uniformly random directions every interval seconds from 0
// through duration inclusive.
func Generate(rng *rand.Rand, interval, duration float64) []Entry {
	if interval <= 0 || duration < 0 {
		return nil
	}
	n := int(math.Floor(duration/interval+1e-9)) + 1
	out := make([]Entry, n)
	for i := range out {
		theta := rng.Float64() * 2 * math.Pi
		phi := rng.Float64() * math.Pi
		out[i] = Entry{
			Time: math.Round(float64(i)*interval*100) / 100,
			Dir: geometry.Vec3{
				X: math.Sin(phi) * math.Cos(theta),
				Y: math.Sin(phi) * math.Sin(theta),
				Z: math.Cos(phi),
			},
			Quadrant: NoQuadrant,
		}
	}
	return out
}
