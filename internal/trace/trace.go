// Package trace replays, records and generates timestamped gaze sequences.
package trace

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

// ErrEmptyTrace is returned when a trace source holds no entries.
var ErrEmptyTrace = errors.New("trace: no entries")

// NoQuadrant marks an entry loaded without a quadrant column.
const NoQuadrant = -1

// Entry is one recorded gaze direction.
type Entry struct {
	Time     float64       `json:"time"` // seconds since trace start
	Dir      geometry.Vec3 `json:"dir"`
	Quadrant int           `json:"quadrant"`
}

// Parse reads time,x,y,z[,quadrant] rows. A header row is optional. Directions
// are normalized and entries are returned in ascending time order.
func Parse(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []Entry
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("trace: line %d: %w", line, err)
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		e, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("trace: line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, ErrEmptyTrace
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	return err != nil
}

func parseRow(rec []string) (Entry, error) {
	if len(rec) < 4 {
		return Entry{}, fmt.Errorf("want at least 4 fields, got %d", len(rec))
	}
	var v [4]float64
	for i := 0; i < 4; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return Entry{}, fmt.Errorf("field %d: %w", i, err)
		}
		v[i] = f
	}
	dir := geometry.Vec3{X: v[1], Y: v[2], Z: v[3]}
	if dir.IsZero() {
		return Entry{}, fmt.Errorf("zero direction at t=%.2f", v[0])
	}
	e := Entry{Time: v[0], Dir: dir.Normalize(), Quadrant: NoQuadrant}
	if len(rec) > 4 && strings.TrimSpace(rec[4]) != "" {
		q, err := strconv.Atoi(strings.TrimSpace(rec[4]))
		if err != nil {
			return Entry{}, fmt.Errorf("quadrant: %w", err)
		}
		e.Quadrant = q
	}
	return e, nil
}

// Fetch downloads and parses a trace over HTTP. Non-2xx responses are errors.
func Fetch(ctx context.Context, client *http.Client, url string) ([]Entry, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("trace: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trace: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("trace: fetch %s: status %d", url, resp.StatusCode)
	}
	return Parse(resp.Body)
}

// Load reads a trace from an http(s) URL or a local path.
func Load(ctx context.Context, client *http.Client, location string) ([]Entry, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return Fetch(ctx, client, location)
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("trace: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
