// Package qrea computes the composite quality-of-experience score sampled on a
// fixed period and keeps the ordered sample log.
package qrea

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/quality"
)

// Weights of the four sub-metrics. They must sum to 1.
type Weights struct {
	Match     float64 `koanf:"match" json:"match"`
	Latency   float64 `koanf:"latency" json:"latency"`
	Bandwidth float64 `koanf:"bandwidth" json:"bandwidth"`
	Stability float64 `koanf:"stability" json:"stability"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Match + w.Latency + w.Bandwidth + w.Stability
}

// Config controls scoring.
type Config struct {
	Period           time.Duration `koanf:"period" json:"period"`
	Weights          Weights       `koanf:"weights" json:"weights"`
	LatencyCapMs     float64       `koanf:"latency_cap_ms" json:"latencyCapMs"`
	SwitchCap        int           `koanf:"switch_cap" json:"switchCap"`
	VisibleThreshold float64       `koanf:"visible_threshold" json:"visibleThreshold"`
}

// DefaultConfig returns the 5s scoring setup with weights 0.4/0.2/0.3/0.1.
func DefaultConfig() Config {
	return Config{
		Period:           5 * time.Second,
		Weights:          Weights{Match: 0.4, Latency: 0.2, Bandwidth: 0.3, Stability: 0.1},
		LatencyCapMs:     500,
		SwitchCap:        10,
		VisibleThreshold: 0.2,
	}
}

// Validate checks weights and caps.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("qrea: period must be positive")
	}
	if math.Abs(c.Weights.Sum()-1) > 1e-9 {
		return fmt.Errorf("qrea: weights sum to %.6f, want 1", c.Weights.Sum())
	}
	for _, w := range []float64{c.Weights.Match, c.Weights.Latency, c.Weights.Bandwidth, c.Weights.Stability} {
		if w < 0 {
			return fmt.Errorf("qrea: negative weight %.3f", w)
		}
	}
	if c.LatencyCapMs <= 0 {
		return fmt.Errorf("qrea: latency cap must be positive")
	}
	if c.SwitchCap <= 0 {
		return fmt.Errorf("qrea: switch cap must be positive")
	}
	return nil
}

// TileObservation is one tile's state at scoring time.
type TileObservation struct {
	Dot         float64       // gaze · tile direction
	Ideal       quality.Level // what the decision function wants now
	Served      quality.Level // what the media is playing
	BitrateKbps int           // bitrate of the served level
}

// Inputs are the values accumulated over one scoring period.
type Inputs struct {
	Tiles     []TileObservation
	LatencyMs float64
	Switches  int
}

// Qmatch is the fraction of visible tiles served at their ideal level, or 1
// when no tile is visible.
func (c Config) Qmatch(tiles []TileObservation) float64 {
	visible, matched := 0, 0
	for _, t := range tiles {
		if t.Dot < c.VisibleThreshold {
			continue
		}
		visible++
		if t.Served == t.Ideal {
			matched++
		}
	}
	if visible == 0 {
		return 1
	}
	return float64(matched) / float64(visible)
}

// Buse is the share of total served bitrate spent on visible tiles, or 1 when
// nothing is being served.
func (c Config) Buse(tiles []TileObservation) float64 {
	var visible, total float64
	for _, t := range tiles {
		total += float64(t.BitrateKbps)
		if t.Dot >= c.VisibleThreshold {
			visible += float64(t.BitrateKbps)
		}
	}
	if total == 0 {
		return 1
	}
	return visible / total
}

// Rnorm maps latency to [0,1], 1 being instantaneous.
func (c Config) Rnorm(latencyMs float64) float64 {
	if latencyMs < 0 {
		latencyMs = 0
	}
	return 1 - math.Min(latencyMs, c.LatencyCapMs)/c.LatencyCapMs
}

// Qstability penalises switching: 1 with no switches, 0 at or past the cap.
func (c Config) Qstability(switches int) float64 {
	if switches < 0 {
		switches = 0
	}
	return 1 - math.Min(float64(switches)/float64(c.SwitchCap), 1)
}

// Sample is one scoring interval.
type Sample struct {
	Index      int     `json:"index" db:"sample_index"`
	Time       float64 `json:"time" db:"time_s"`
	Qmatch     float64 `json:"qmatch" db:"qmatch"`
	Rlatency   float64 `json:"rlatency" db:"rlatency"`
	Buse       float64 `json:"buse" db:"buse"`
	Qstability float64 `json:"qstability" db:"qstability"`
	QREA       float64 `json:"qrea" db:"qrea"`
}

// Scorer computes samples and appends them to its log.
type Scorer struct {
	cfg    Config
	log    *Log
	logger *zap.Logger
}

// NewScorer creates a scorer writing to a fresh log.
func NewScorer(cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.L()
	}
	return &Scorer{cfg: cfg, log: NewLog(), logger: logger.Named("qrea")}
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Log returns the sample log.
func (s *Scorer) Log() *Log { return s.log }

// Compute scores in without recording it.
func (s *Scorer) Compute(in Inputs) Sample {
	w := s.cfg.Weights
	sm := Sample{
		Qmatch:     s.cfg.Qmatch(in.Tiles),
		Rlatency:   s.cfg.Rnorm(in.LatencyMs),
		Buse:       s.cfg.Buse(in.Tiles),
		Qstability: s.cfg.Qstability(in.Switches),
	}
	sm.QREA = clamp01(w.Match*sm.Qmatch + w.Latency*sm.Rlatency + w.Bandwidth*sm.Buse + w.Stability*sm.Qstability)
	return sm
}

// Score computes a sample, stamps it with index*period and appends it.
func (s *Scorer) Score(in Inputs) Sample {
	sm := s.Compute(in)
	sm = s.log.append(sm, s.cfg.Period)

	s.logger.Info("QREA sample",
		zap.Int("index", sm.Index),
		zap.Float64("time", sm.Time),
		zap.Float64("qmatch", sm.Qmatch),
		zap.Float64("rlatency", sm.Rlatency),
		zap.Float64("buse", sm.Buse),
		zap.Float64("qstability", sm.Qstability),
		zap.Float64("qrea", sm.QREA),
		zap.Int("switches", in.Switches),
		zap.Float64("latencyMs", in.LatencyMs))
	return sm
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
