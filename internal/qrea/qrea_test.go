package qrea

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/tileabr/internal/quality"
)

func TestQstability(t *testing.T) {
	cfg := DefaultConfig()
	testCases := []struct {
		switches int
		want     float64
	}{
		{0, 1},
		{5, 0.5},
		{10, 0},
		{12, 0},
	}
	for _, tc := range testCases {
		assert.InDelta(t, tc.want, cfg.Qstability(tc.switches), 1e-12, "switches=%d", tc.switches)
	}
}

func TestQmatch(t *testing.T) {
	cfg := DefaultConfig()
	tiles := []TileObservation{
		{Dot: 0.9, Ideal: quality.LevelHigh, Served: quality.LevelHigh},
		{Dot: 0.5, Ideal: quality.LevelHigh, Served: quality.LevelHigh},
		{Dot: 0.3, Ideal: quality.LevelMid, Served: quality.LevelMid},
		{Dot: 0.25, Ideal: quality.LevelMid, Served: quality.LevelLow},
		{Dot: -0.5, Ideal: quality.LevelLow, Served: quality.LevelHigh}, // not visible
	}
	assert.InDelta(t, 0.75, cfg.Qmatch(tiles), 1e-12)

	assert.Equal(t, 1.0, cfg.Qmatch([]TileObservation{{Dot: -1}}), "no visible tiles")
}

func TestBuse(t *testing.T) {
	cfg := DefaultConfig()
	tiles := []TileObservation{
		{Dot: 0.9, BitrateKbps: 1500},
		{Dot: -0.9, BitrateKbps: 250},
		{Dot: 0.0, BitrateKbps: 250},
	}
	assert.InDelta(t, 0.75, cfg.Buse(tiles), 1e-12)
	assert.Equal(t, 1.0, cfg.Buse(nil))
}

func TestRnorm(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1.0, cfg.Rnorm(0))
	assert.InDelta(t, 0.5, cfg.Rnorm(250), 1e-12)
	assert.Equal(t, 0.0, cfg.Rnorm(10_000))
	assert.Equal(t, 1.0, cfg.Rnorm(-3))
}

func TestCompositeStaysInUnitInterval(t *testing.T) {
	s := NewScorer(DefaultConfig(), zaptest.NewLogger(t))
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 500; i++ {
		tiles := make([]TileObservation, 8)
		for j := range tiles {
			tiles[j] = TileObservation{
				Dot:         rng.Float64()*2 - 1,
				Ideal:       quality.Levels[rng.Intn(3)],
				Served:      quality.Levels[rng.Intn(3)],
				BitrateKbps: rng.Intn(2000),
			}
		}
		sm := s.Compute(Inputs{Tiles: tiles, LatencyMs: rng.Float64() * 2000, Switches: rng.Intn(30)})
		assert.GreaterOrEqual(t, sm.QREA, 0.0)
		assert.LessOrEqual(t, sm.QREA, 1.0)
	}
}

func TestScoreWeights(t *testing.T) {
	s := NewScorer(DefaultConfig(), zaptest.NewLogger(t))
	sm := s.Compute(Inputs{
		Tiles: []TileObservation{
			{Dot: 1, Ideal: quality.LevelHigh, Served: quality.LevelHigh, BitrateKbps: 1500},
		},
		LatencyMs: 0,
		Switches:  0,
	})
	assert.InDelta(t, 1.0, sm.QREA, 1e-12)

	sm = s.Compute(Inputs{
		Tiles:     []TileObservation{{Dot: 1, Ideal: quality.LevelHigh, Served: quality.LevelLow, BitrateKbps: 250}},
		LatencyMs: 500,
		Switches:  12,
	})
	// Only bandwidth use survives.
	assert.InDelta(t, 0.3, sm.QREA, 1e-12)
}

func TestLogTimestampsAreMonotonic(t *testing.T) {
	s := NewScorer(DefaultConfig(), zaptest.NewLogger(t))
	for i := 0; i < 4; i++ {
		s.Score(Inputs{})
	}
	samples := s.Log().Samples()
	require.Len(t, samples, 4)
	for i, sm := range samples {
		assert.Equal(t, i, sm.Index)
		assert.Equal(t, float64(i)*5, sm.Time)
	}
	last, ok := s.Log().Last()
	require.True(t, ok)
	assert.Equal(t, 15.0, last.Time)
}

func TestCSVRoundTrip(t *testing.T) {
	s := NewScorer(DefaultConfig(), zaptest.NewLogger(t))
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 20; i++ {
		s.Score(Inputs{
			Tiles:     []TileObservation{{Dot: rng.Float64(), Ideal: quality.LevelHigh, Served: quality.Levels[rng.Intn(3)], BitrateKbps: 800}},
			LatencyMs: rng.Float64() * 600,
			Switches:  rng.Intn(15),
		})
	}

	var buf bytes.Buffer
	require.NoError(t, s.Log().WriteCSV(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "Time,Qmatch,Rlatency,Buse,Qstability,QREA\n"))

	parsed, err := ParseCSV(&buf)
	require.NoError(t, err)
	original := s.Log().Samples()
	require.Len(t, parsed, len(original))
	for i := range original {
		assert.InDelta(t, original[i].Time, parsed[i].Time, 5e-4)
		assert.InDelta(t, original[i].Qmatch, parsed[i].Qmatch, 5e-4)
		assert.InDelta(t, original[i].Rlatency, parsed[i].Rlatency, 5e-4)
		assert.InDelta(t, original[i].Buse, parsed[i].Buse, 5e-4)
		assert.InDelta(t, original[i].Qstability, parsed[i].Qstability, 5e-4)
		assert.InDelta(t, original[i].QREA, parsed[i].QREA, 5e-4)
	}
}

func TestCSVFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []Sample{{Time: 5, Qmatch: 0.75, Rlatency: 2.0 / 3, Buse: 1, QREA: 0.12345}}))
	assert.Equal(t, "Time,Qmatch,Rlatency,Buse,Qstability,QREA\n5.000,0.750,0.667,1.000,0.000,0.123\n", buf.String())
}

func TestParseCSVRejectsBadInput(t *testing.T) {
	_, err := ParseCSV(strings.NewReader(""))
	assert.Error(t, err)
	_, err = ParseCSV(strings.NewReader("a,b,c,d,e,f\n"))
	assert.Error(t, err)
	_, err = ParseCSV(strings.NewReader("Time,Qmatch,Rlatency,Buse,Qstability,QREA\n1,x,0,0,0,0\n"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Weights.Match = 0.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SwitchCap = 0
	assert.Error(t, cfg.Validate())
}

func TestLatencySources(t *testing.T) {
	sim := NewSimulatedLatency(50, 150, 9)
	for i := 0; i < 100; i++ {
		v := sim.LatencyMs()
		assert.GreaterOrEqual(t, v, 50.0)
		assert.Less(t, v, 150.0)
	}

	rep := NewReportedLatency(NewSimulatedLatency(1000, 1000, 1))
	assert.Equal(t, 1000.0, rep.LatencyMs())
	rep.Report(42)
	assert.Equal(t, 42.0, rep.LatencyMs())
}
