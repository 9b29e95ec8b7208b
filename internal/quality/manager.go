package quality

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

// Leveler is the capability every tile's media exposes, whether it is backed
// by a static multi-source element or an adaptive-streaming session.
type Leveler interface {
	// CurrentLevel is the level index the media is playing or has queued.
	CurrentLevel() int
	// AvailableLevels is the number of level indices the media can serve.
	AvailableLevels() int
	// RequestLevel asks for a level change. It must not block on the swap.
	RequestLevel(level int) error
}

// Tile is one spatial region and the state the governor keeps for it.
type Tile struct {
	Index     int
	Direction geometry.Vec3
	Media     Leveler

	lastSwitch time.Time
	switched   bool
}

// NewTiles builds one Tile per direction in table, pairing tile i with media[i].
func NewTiles(table *geometry.Table, media []Leveler) []*Tile {
	tiles := make([]*Tile, table.Len())
	for i := range tiles {
		tiles[i] = &Tile{Index: i, Direction: table.DirectionOf(i)}
		if i < len(media) {
			tiles[i].Media = media[i]
		}
	}
	return tiles
}

// LastSwitch returns when the tile last had a switch applied.
func (t *Tile) LastSwitch() (time.Time, bool) {
	return t.lastSwitch, t.switched
}

// Switch records one applied level change.
type Switch struct {
	Tile  int
	From  int
	To    int
	Level Level
	At    time.Time
}

// GovernorConfig holds the switching constraints.
type GovernorConfig struct {
	Cooldown time.Duration
}

// DefaultGovernorConfig uses the 5s per-tile cooldown of the HLS tiles.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{Cooldown: 5 * time.Second}
}

// Governor decides which desired tier changes are actually applied. It is
// driven from the session's scheduler goroutine; the lock only protects
// readers such as the HTTP API.
type Governor struct {
	mu sync.RWMutex

	cfg    GovernorConfig
	ladder Ladder
	tiles  []*Tile
	logger *zap.Logger

	switchCount   int // since the last TakeSwitchCount
	totalSwitches int
	skippedGuard  int

	onSwitch []func(Switch)
}

// NewGovernor creates a governor over tiles. A nil logger falls back to zap.L().
func NewGovernor(cfg GovernorConfig, ladder Ladder, tiles []*Tile, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.L()
	}
	return &Governor{
		cfg:    cfg,
		ladder: ladder,
		tiles:  tiles,
		logger: logger.Named("governor"),
	}
}

// OnSwitch registers a callback invoked after every applied switch.
func (g *Governor) OnSwitch(fn func(Switch)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSwitch = append(g.onSwitch, fn)
}

// Ladder returns the governor's ladder.
func (g *Governor) Ladder() Ladder { return g.ladder }

// Tiles returns the governed tiles.
func (g *Governor) Tiles() []*Tile { return g.tiles }

// Apply evaluates desired[i] for tile i and applies every change the rules allow:
// the desired index differs from the current one, the cooldown has elapsed,
// and the index is within the media's available levels.
func (g *Governor) Apply(now time.Time, desired []Level) []Switch {
	g.mu.Lock()
	var applied []Switch
	for i, level := range desired {
		if i >= len(g.tiles) {
			break
		}
		if sw, ok := g.applyTile(g.tiles[i], level, now); ok {
			applied = append(applied, sw)
		}
	}
	callbacks := g.onSwitch
	g.mu.Unlock()

	for _, sw := range applied {
		for _, cb := range callbacks {
			cb(sw)
		}
	}
	return applied
}

func (g *Governor) applyTile(t *Tile, level Level, now time.Time) (Switch, bool) {
	if t.Media == nil || !level.Valid() {
		return Switch{}, false
	}
	want := g.ladder.Index(level)
	cur := t.Media.CurrentLevel()
	if want == cur {
		return Switch{}, false
	}
	if !g.cooledDown(t, now) {
		return Switch{}, false
	}
	avail := t.Media.AvailableLevels()
	if avail == 0 {
		// Level list not known yet.
		return Switch{}, false
	}
	if want < 0 || want >= avail {
		g.skippedGuard++
		g.logger.Debug("Desired level not available",
			zap.Int("tile", t.Index),
			zap.Int("level", want),
			zap.Int("available", avail))
		return Switch{}, false
	}

	if err := t.Media.RequestLevel(want); err != nil {
		g.logger.Warn("Level request failed",
			zap.Int("tile", t.Index),
			zap.Int("level", want),
			zap.Error(err))
		return Switch{}, false
	}

	// Stamp immediately so an in-flight swap is not re-triggered.
	t.lastSwitch = now
	t.switched = true
	g.switchCount++
	g.totalSwitches++

	g.logger.Info("Tile queued level",
		zap.Int("tile", t.Index),
		zap.Int("from", cur),
		zap.Int("to", want),
		zap.String("quality", level.String()))

	return Switch{Tile: t.Index, From: cur, To: want, Level: level, At: now}, true
}

func (g *Governor) cooledDown(t *Tile, now time.Time) bool {
	if !t.switched {
		return true
	}
	return now.Sub(t.lastSwitch) > g.cfg.Cooldown
}

// TakeSwitchCount returns the number of switches since the previous call and resets it.
func (g *Governor) TakeSwitchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.switchCount
	g.switchCount = 0
	return n
}

// TileState is a point-in-time view of one tile for monitoring.
type TileState struct {
	Index               int       `json:"index"`
	CurrentLevel        int       `json:"currentLevel"`
	AvailableLevels     int       `json:"availableLevels"`
	LastSwitch          time.Time `json:"lastSwitch"`
	NextSwitchAvailable time.Time `json:"nextSwitchAvailable"`
}

// GovernorMetrics is the monitoring snapshot exported by the API.
type GovernorMetrics struct {
	Cooldown      time.Duration `json:"cooldown"`
	TotalSwitches int           `json:"totalSwitches"`
	PendingCount  int           `json:"pendingSwitchCount"`
	SkippedGuard  int           `json:"skippedInvalidLevel"`
	Tiles         []TileState   `json:"tiles"`
}

// GetMetrics returns the current governor state.
func (g *Governor) GetMetrics() GovernorMetrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := GovernorMetrics{
		Cooldown:      g.cfg.Cooldown,
		TotalSwitches: g.totalSwitches,
		PendingCount:  g.switchCount,
		SkippedGuard:  g.skippedGuard,
		Tiles:         make([]TileState, 0, len(g.tiles)),
	}
	for _, t := range g.tiles {
		st := TileState{Index: t.Index, CurrentLevel: -1}
		if t.Media != nil {
			st.CurrentLevel = t.Media.CurrentLevel()
			st.AvailableLevels = t.Media.AvailableLevels()
		}
		if t.switched {
			st.LastSwitch = t.lastSwitch
			st.NextSwitchAvailable = t.lastSwitch.Add(g.cfg.Cooldown)
		}
		m.Tiles = append(m.Tiles, st)
	}
	return m
}
