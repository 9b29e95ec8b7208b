package trace

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

const sample = `time,x,y,z,quadrant
0.00,0,0,-2,3
0.20,1,0,0,6
0.40,0,1,0,
`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, geometry.Vec3{Z: -1}, entries[0].Dir, "directions are normalized")
	assert.Equal(t, 3, entries[0].Quadrant)
	assert.Equal(t, 0.2, entries[1].Time)
	assert.Equal(t, NoQuadrant, entries[2].Quadrant)
}

func TestParseWithoutHeaderOrQuadrant(t *testing.T) {
	entries, err := Parse(strings.NewReader("0.4,0,1,0\n0.0,1,0,0\n"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 0.0, entries[0].Time, "entries are sorted by time")
}

func TestParseErrors(t *testing.T) {
	testCases := map[string]string{
		"empty":     "time,x,y,z\n",
		"short":     "0,1,0\n",
		"zero dir":  "0,0,0,0\n",
		"bad float": "0,a,0,1\n",
	}
	for name, input := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
	_, err := Parse(strings.NewReader("time,x,y,z\n"))
	assert.ErrorIs(t, err, ErrEmptyTrace)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.csv" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(sample))
	}))
	defer srv.Close()

	entries, err := Fetch(context.Background(), srv.Client(), srv.URL+"/camera_trace.csv")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/missing.csv")
	assert.ErrorContains(t, err, "status 404")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	entries, err := Load(context.Background(), nil, path)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	_, err = Load(context.Background(), nil, filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestPlayerAdvancesMonotonically(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	p := NewPlayer(entries, PlayerOptions{})

	start := time.Unix(100, 0)
	_, ok := p.Tick(start)
	assert.False(t, ok, "not started")

	p.Start(start)
	dir, ok := p.Tick(start)
	require.True(t, ok)
	assert.Equal(t, geometry.Vec3{Z: -1}, dir)

	dir, _ = p.Tick(start.Add(250 * time.Millisecond))
	assert.Equal(t, geometry.Vec3{X: 1}, dir)
	assert.Equal(t, 2, p.Cursor())

	// A late tick skips straight to the newest elapsed entry.
	dir, _ = p.Tick(start.Add(5 * time.Second))
	assert.Equal(t, geometry.Vec3{Y: 1}, dir)
	assert.True(t, p.Done())

	// Past the end the last direction stays applied.
	dir, ok = p.Tick(start.Add(10 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, geometry.Vec3{Y: 1}, dir)
	assert.Equal(t, 3, p.Cursor())
}

func TestPlayerLoop(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	p := NewPlayer(entries, PlayerOptions{Loop: true})

	start := time.Unix(0, 0)
	p.Start(start)
	p.Tick(start.Add(400 * time.Millisecond))
	assert.False(t, p.Done())

	dir, ok := p.Tick(start.Add(850 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 2, p.Loops())
	assert.Equal(t, geometry.Vec3{Z: -1}, dir)
}

func TestPlayerYawOffset(t *testing.T) {
	p := NewPlayer([]Entry{{Time: 0, Dir: geometry.Vec3{Z: -1}}}, PlayerOptions{YawOffsetDeg: 90})
	p.Start(time.Unix(0, 0))
	dir, ok := p.Tick(time.Unix(0, 0))
	require.True(t, ok)
	assert.InDelta(t, -1, dir.X, 1e-12)
	assert.InDelta(t, 0, dir.Z, 1e-12)
}

func TestEmptyPlayerIsNoop(t *testing.T) {
	p := NewPlayer(nil, PlayerOptions{Loop: true})
	p.Start(time.Unix(0, 0))
	_, ok := p.Tick(time.Unix(60, 0))
	assert.False(t, ok)
	assert.False(t, p.Active())
}

func TestRecorderExport(t *testing.T) {
	r := NewRecorder()
	r.Record(0, geometry.Vec3{X: 0.123456, Y: -0.5, Z: 0.86}, 2)
	r.Record(0.1, geometry.Vec3{Z: -1}, 0)

	var buf bytes.Buffer
	require.NoError(t, r.WriteCSV(&buf))
	assert.Equal(t, "time,x,y,z,quadrant\n0.00,0.1235,-0.5000,0.8600,2\n0.10,0.0000,0.0000,-1.0000,0\n", buf.String())

	parsed, err := Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, 2, parsed[0].Quadrant)
}

func TestGenerate(t *testing.T) {
	entries := Generate(rand.New(rand.NewSource(1)), 0.2, 30)
	require.Len(t, entries, 151)
	assert.Equal(t, 30.0, entries[150].Time)
	for _, e := range entries {
		assert.True(t, e.Dir.IsUnit(1e-9))
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, entries, false))
	assert.True(t, strings.HasPrefix(buf.String(), "time,x,y,z\n0.00,"))
}
