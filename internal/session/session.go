// Package session owns one viewing session: the tile table, the governor, the
// playback synchronizer, the QREA scorer and the gaze inputs, all driven by a
// single cooperative scheduler.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/config"
	"github.com/mikeyg42/tileabr/internal/gaze"
	"github.com/mikeyg42/tileabr/internal/geometry"
	"github.com/mikeyg42/tileabr/internal/metrics"
	"github.com/mikeyg42/tileabr/internal/playback"
	"github.com/mikeyg42/tileabr/internal/qrea"
	"github.com/mikeyg42/tileabr/internal/quality"
	"github.com/mikeyg42/tileabr/internal/scheduler"
	"github.com/mikeyg42/tileabr/internal/storage"
	"github.com/mikeyg42/tileabr/internal/trace"
	"github.com/mikeyg42/tileabr/internal/viewer"
)

const (
	ModeAdaptive = "adaptive"
	ModeSource   = "source"
)

var (
	// ErrClosed is returned for operations on a session that has ended.
	ErrClosed = errors.New("session: closed")
	// ErrNotRecording is returned when the gaze trace is requested with
	// recording off.
	ErrNotRecording = errors.New("session: trace recording is disabled")
)

// Media is the viewer side of a session: one element per tile and, in
// adaptive mode, one streaming session per tile.
type Media interface {
	Elements() []playback.Element
	Streams() []playback.AdaptiveSession
}

// Deps are the shared services a session reports to. Zero values are valid.
type Deps struct {
	Clock      scheduler.Clock
	Metrics    *metrics.Metrics
	Writer     *storage.Writer
	Exporter   storage.Exporter
	HTTPClient *http.Client
}

// Session is one viewer's adaptive-streaming controller. Everything except
// the exported read accessors runs on the session's scheduler goroutine.
type Session struct {
	id     string
	cfg    config.Config
	logger *zap.Logger

	sched      *scheduler.Scheduler
	table      *geometry.Table
	ladder     quality.Ladder
	thresholds quality.Thresholds
	policy     quality.Policy
	initial    quality.Level

	sync     *playback.Synchronizer
	governor *quality.Governor
	streams  []*playback.StreamLeveler
	sources  [][]string
	gate     *quality.MotionGate

	live      *gaze.Live
	sampler   *gaze.Sampler
	player    *trace.Player
	recorder  *trace.Recorder
	scorer    *qrea.Scorer
	latency   *qrea.ReportedLatency
	switchLog *quality.SwitchLog

	metrics  *metrics.Metrics
	writer   *storage.Writer
	exporter storage.Exporter
	client   *http.Client

	// scheduler goroutine only
	desired    []quality.Level
	switchSeq  int
	skipped    int
	traceStart time.Time
	traceEnded bool

	created     time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	tasks       []*scheduler.Task
	traceLoaded atomic.Bool
	rejections  atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
}

var _ viewer.Listener = (*Session)(nil)

// New builds a session over media using cfg. It does nothing until Start.
func New(ctx context.Context, id string, cfg config.Config, media Media, deps Deps, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("session").With(zap.String("session", id))

	elements := media.Elements()
	table, err := geometry.NewTable(len(elements))
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	ladder, err := cfg.Ladder()
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	adaptive := cfg.Session.Mode == ModeAdaptive
	streams := media.Streams()
	if adaptive && len(streams) != len(elements) {
		return nil, fmt.Errorf("session %s: adaptive mode needs %d streams, got %d", id, len(elements), len(streams))
	}
	if !adaptive {
		ladder = ladder.Sequential()
	}

	if deps.Clock == nil {
		deps.Clock = scheduler.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Exporter == nil {
		deps.Exporter = storage.Nop{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: cfg.Trace.FetchTimeout}
	}

	s := &Session{
		id:         id,
		cfg:        cfg,
		logger:     logger,
		sched:      scheduler.New(deps.Clock, logger),
		table:      table,
		ladder:     ladder,
		thresholds: cfg.Quality.Thresholds,
		policy:     cfg.Policy(),
		initial:    cfg.InitialLevel(),
		live:       gaze.NewLive(),
		switchLog:  quality.NewSwitchLog(),
		scorer:     qrea.NewScorer(cfg.QREA.Config, logger),
		latency: qrea.NewReportedLatency(
			qrea.NewSimulatedLatency(cfg.QREA.Latency.MinMs, cfg.QREA.Latency.MaxMs, cfg.QREA.Latency.Seed)),
		metrics:  deps.Metrics,
		writer:   deps.Writer,
		exporter: deps.Exporter,
		client:   deps.HTTPClient,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sampler = gaze.NewSampler(s.live, traceOverride{s})
	if cfg.Trace.Record {
		s.recorder = trace.NewRecorder()
	}
	if cfg.Governor.MotionGate.Enabled {
		s.gate = quality.NewMotionGate(cfg.Governor.MotionGate.AngleDeg)
	}

	s.sync = playback.NewSynchronizer(cfg.Sync, s.sched, elements, logger)

	levelers := make([]quality.Leveler, len(elements))
	for i := range elements {
		if adaptive {
			l := playback.NewStreamLeveler(i, streams[i], logger)
			s.streams = append(s.streams, l)
			levelers[i] = l
			continue
		}
		srcs := make([]string, 0, len(quality.Levels))
		for _, r := range ladder.Rungs() {
			srcs = append(srcs, expand(cfg.Session.SourcePattern, i, r.Level))
		}
		s.sources = append(s.sources, srcs)
		levelers[i] = playback.NewSourceLeveler(s.ctx, i, srcs, ladder.Index(s.initial), s.sync, logger)
	}

	s.governor = quality.NewGovernor(quality.GovernorConfig{Cooldown: cfg.Governor.Cooldown},
		ladder, quality.NewTiles(table, levelers), logger)
	s.governor.OnSwitch(s.onSwitch)
	return s, nil
}

func expand(pattern string, tile int, level quality.Level) string {
	r := strings.NewReplacer("{tile}", strconv.Itoa(tile), "{quality}", level.String())
	return r.Replace(pattern)
}

type traceOverride struct{ s *Session }

// Current yields the trace direction while the trace plays. Once a
// non-looping trace is done, live gaze takes over again, starting from the
// last traced direction unless the viewer has reported one since.
func (o traceOverride) Current() (geometry.Vec3, bool) {
	s := o.s
	if s.player == nil {
		return geometry.Vec3{}, false
	}
	dir, ok := s.player.Current()
	if !s.player.Done() {
		return dir, ok
	}
	if !s.traceEnded {
		s.traceEnded = true
		if at, _ := s.live.LastUpdate(); ok && !at.After(s.traceStart) {
			s.live.Update(dir, s.sched.Now())
		}
		s.logger.Info("Trace finished, live gaze resumed", zap.Int("entries", s.player.Len()))
	}
	return geometry.Vec3{}, false
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Scheduler returns the scheduler driving the session.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.sched }

// Synchronizer returns the playback synchronizer.
func (s *Session) Synchronizer() *playback.Synchronizer { return s.sync }

// Governor returns the switch governor.
func (s *Session) Governor() *quality.Governor { return s.governor }

// Scorer returns the QREA scorer.
func (s *Session) Scorer() *qrea.Scorer { return s.scorer }

// Start records the session, arms the periodic tasks and the startup barrier,
// and loads the trace if one is configured. Run must be called to drive it.
func (s *Session) Start() {
	now := s.sched.Now()
	s.created = now
	s.metrics.Sessions.Inc()
	if s.writer != nil {
		s.writer.SaveSession(storage.Session{
			ID:        s.id,
			Mode:      s.cfg.Session.Mode,
			Policy:    s.policy.String(),
			TileCount: s.table.Len(),
			StartedAt: now.UnixMilli(),
		})
	}

	barrier := s.sync.Start(s.ctx)
	go s.watchStartup(barrier, now)

	s.sched.Post(s.loadSources)
	s.tasks = append(s.tasks,
		s.sched.Every("gaze", s.cfg.Session.GazeInterval, s.tick),
		s.sched.Every("qrea", s.cfg.QREA.Period, s.score),
	)
	if s.gate != nil {
		s.tasks = append(s.tasks, s.sched.Every("motion-gate", s.cfg.Governor.MotionGate.Interval, s.gateTick))
	}
	if s.cfg.Trace.Location != "" {
		go s.loadTrace()
	}

	s.logger.Info("Session started",
		zap.String("mode", s.cfg.Session.Mode),
		zap.String("policy", s.policy.String()),
		zap.Int("tiles", s.table.Len()),
		zap.Bool("motionGate", s.gate != nil))
}

// Run drives the scheduler until the session is closed or ctx ends.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := s.sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) loadSources() {
	for i, el := range s.sync.Elements() {
		if s.sources != nil {
			el.SetSource(s.sources[i][s.ladder.Index(s.initial)])
		} else {
			el.SetSource(strings.ReplaceAll(s.cfg.Session.ManifestPattern, "{tile}", strconv.Itoa(i)))
		}
		s.switchLog.Record(i, s.initial, 0)
	}
}

func (s *Session) watchStartup(done <-chan error, armed time.Time) {
	err := <-done
	outcome := "ok"
	switch {
	case errors.Is(err, playback.ErrBarrierTimeout):
		outcome = "timeout"
	case err != nil:
		s.metrics.Barriers.WithLabelValues("startup", "abandoned").Inc()
		return
	}
	s.metrics.Barriers.WithLabelValues("startup", outcome).Inc()
	s.metrics.BarrierWait.Observe(s.sched.Now().Sub(armed).Seconds())
}

// tick is the gaze task: advance the trace, sample gaze, record it, decide
// (unless the motion gate owns decisions) and resync drifting elements.
func (s *Session) tick(now time.Time) {
	if s.player != nil {
		s.player.Tick(now)
	}
	dir := s.sampler.Sample()

	if s.recorder != nil && s.sync.Started() {
		s.recorder.Record(s.sync.GlobalTime(now), dir, s.table.Nearest(dir))
	}
	if s.gate == nil {
		s.decide(now, dir)
	}
	for _, c := range s.sync.Resync(s.ctx, now) {
		s.metrics.Resyncs.Inc()
		s.metrics.Drift.Observe(math.Abs(c.Drift()))
	}
}

// gateTick runs a decision pass only when the camera has turned far enough.
// The first pass always runs so tiles leave their initial tier.
func (s *Session) gateTick(now time.Time) {
	dir := s.sampler.Last()
	angle, moved := s.gate.Check(dir)
	if !moved && s.desired != nil {
		s.metrics.MotionSkips.Inc()
		return
	}
	s.logger.Debug("Camera moved", zap.Float64("angleDeg", angle))
	s.decide(now, dir)
}

func (s *Session) decide(now time.Time, dir geometry.Vec3) {
	decisions := quality.DecideTiles(dir, s.table, s.thresholds)
	for _, d := range decisions {
		s.metrics.Decisions.WithLabelValues(d.Level.String()).Inc()
	}
	s.desired = s.policy.Apply(decisions)
	s.governor.Apply(now, s.desired)

	if skipped := s.governor.GetMetrics().SkippedGuard; skipped > s.skipped {
		s.metrics.SkippedSwitches.Add(float64(skipped - s.skipped))
		s.skipped = skipped
	}
}

func (s *Session) onSwitch(sw quality.Switch) {
	gt := s.sync.GlobalTime(sw.At)
	s.switchLog.Record(sw.Tile, sw.Level, gt)
	s.metrics.Switches.WithLabelValues(sw.Level.String()).Inc()
	s.switchSeq++
	if s.writer != nil {
		s.writer.SaveSwitch(storage.SwitchRecord{
			SessionID:  s.id,
			Seq:        s.switchSeq,
			Tile:       sw.Tile,
			FromLevel:  sw.From,
			ToLevel:    sw.To,
			Quality:    sw.Level.String(),
			At:         sw.At.UnixMilli(),
			GlobalTime: gt,
		})
	}
}

// observe builds the per-tile inputs for a QREA sample from the last gaze.
func (s *Session) observe() []qrea.TileObservation {
	decisions := quality.DecideTiles(s.sampler.Last(), s.table, s.thresholds)
	ideal := s.policy.Apply(decisions)

	tiles := s.governor.Tiles()
	out := make([]qrea.TileObservation, len(tiles))
	for i, t := range tiles {
		cur := t.Media.CurrentLevel()
		out[i] = qrea.TileObservation{
			Dot:         decisions[i].Dot,
			Ideal:       ideal[i],
			Served:      s.ladder.Floor(cur),
			BitrateKbps: s.ladder.BitrateForIndex(cur),
		}
	}
	return out
}

func (s *Session) score(time.Time) {
	sample := s.scorer.Score(qrea.Inputs{
		Tiles:     s.observe(),
		LatencyMs: s.latency.LatencyMs(),
		Switches:  s.governor.TakeSwitchCount(),
	})
	s.metrics.ObserveQREA(sample.Qmatch, sample.Rlatency, sample.Buse, sample.Qstability, sample.QREA)
	if s.writer != nil {
		s.writer.SaveSample(storage.SampleRecord{SessionID: s.id, Sample: sample})
	}
}

func (s *Session) loadTrace() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Trace.FetchTimeout)
	defer cancel()

	entries, err := trace.Load(ctx, s.client, s.cfg.Trace.Location)
	if err != nil {
		s.logger.Warn("Trace unavailable, keeping live gaze",
			zap.String("location", s.cfg.Trace.Location),
			zap.Error(err))
		return
	}
	s.UseTrace(entries)
}

// UseTrace replaces live gaze with entries, replayed from now.
func (s *Session) UseTrace(entries []trace.Entry) {
	s.sched.Post(func() {
		s.player = trace.NewPlayer(entries, trace.PlayerOptions{
			Loop:         s.cfg.Trace.Loop,
			YawOffsetDeg: s.cfg.Trace.YawOffsetDeg,
		})
		s.traceStart = s.sched.Now()
		s.traceEnded = false
		s.player.Start(s.traceStart)
		s.traceLoaded.Store(s.player.Active())
		s.logger.Info("Trace loaded", zap.Int("entries", len(entries)), zap.Bool("loop", s.cfg.Trace.Loop))
	})
}

// Gaze implements viewer.Listener.
func (s *Session) Gaze(dir geometry.Vec3) {
	s.live.Update(dir, s.sched.Now())
}

// Latency implements viewer.Listener.
func (s *Session) Latency(ms float64) {
	s.latency.Report(ms)
}

// Play implements viewer.Listener. It is the user-gesture recovery path.
func (s *Session) Play() {
	if s.closed.Load() {
		return
	}
	s.sched.Post(func() {
		n := s.sync.PlayAll(s.ctx)
		s.logger.Info("Play requested", zap.Int("resumed", n))
	})
}

// LevelSwitched implements viewer.Listener.
func (s *Session) LevelSwitched(tile, level int) {
	if tile >= 0 && tile < len(s.streams) {
		s.streams[tile].LevelSwitched(level)
	}
}

// PlayRejected implements viewer.Listener. The tile is held out of resync
// and swaps until the viewer sends a play gesture.
func (s *Session) PlayRejected(tile int, reason string) {
	s.rejections.Add(1)
	s.sync.MarkRejected(tile)
	s.logger.Warn("Playback rejected, waiting for user gesture",
		zap.Int("tile", tile),
		zap.String("reason", reason))
}

// WriteQREA writes the QREA log as CSV.
func (s *Session) WriteQREA(w io.Writer) error {
	return s.scorer.Log().WriteCSV(w)
}

// WriteTrace writes the recorded gaze as CSV. It fails when recording is off.
func (s *Session) WriteTrace(w io.Writer) error {
	if s.recorder == nil {
		return ErrNotRecording
	}
	return s.recorder.WriteCSV(w)
}

// WriteQualityLog writes the per-tile tier log with open stretches closed now.
func (s *Session) WriteQualityLog(w io.Writer) error {
	return s.switchLog.WriteJSON(w, s.sync.GlobalTime(s.sched.Now()))
}

type exportFile struct {
	name  string
	write func(io.Writer) error
}

// Export pushes every export file to the exporter and returns their locations
// by file name.
func (s *Session) Export(ctx context.Context) (map[string]string, error) {
	files := []exportFile{
		{storage.QREAFile, s.WriteQREA},
		{storage.QualityLogFile, s.WriteQualityLog},
	}
	if s.recorder != nil {
		files = append(files, exportFile{storage.TraceFile, s.WriteTrace})
	}

	out := make(map[string]string, len(files))
	var errs []error
	for _, f := range files {
		var buf bytes.Buffer
		if err := f.write(&buf); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		loc, err := s.exporter.Export(ctx, storage.ExportKey(s.id, f.name), buf.Bytes(), storage.ContentType(f.name))
		if err != nil {
			s.metrics.StoreErrors.WithLabelValues("export").Inc()
			errs = append(errs, err)
			continue
		}
		out[f.name] = loc
	}
	if len(out) > 0 {
		s.logger.Info("Session exported", zap.Any("files", out))
	}
	return out, errors.Join(errs...)
}

// Close stops the session's tasks, exports if configured, and records the end.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, t := range s.tasks {
			t.Stop()
		}
		if s.cfg.Storage.ExportOnClose {
			if _, ok := s.exporter.(storage.Nop); !ok {
				_, err = s.Export(ctx)
			}
		}
		s.cancel()
		if s.writer != nil {
			s.writer.EndSession(s.id, s.sched.Now())
		}
		s.metrics.Sessions.Dec()

		stats := s.sync.Stats()
		s.logger.Info("Session closed",
			zap.Int("samples", s.scorer.Log().Len()),
			zap.Int("switches", s.governor.GetMetrics().TotalSwitches),
			zap.Int("resyncs", stats.Resyncs),
			zap.Int("swaps", stats.Swaps),
			zap.Int64("playRejections", s.rejections.Load()))
	})
	return err
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Info is a point-in-time view of a session for the API.
type Info struct {
	ID             string                  `json:"id"`
	Mode           string                  `json:"mode"`
	Policy         string                  `json:"policy"`
	Tiles          int                     `json:"tiles"`
	Created        time.Time               `json:"created"`
	Started        bool                    `json:"started"`
	GlobalTime     float64                 `json:"globalTime"`
	Samples        int                     `json:"samples"`
	LastQREA       *qrea.Sample            `json:"lastQrea,omitempty"`
	TraceLoaded    bool                    `json:"traceLoaded"`
	Recorded       int                     `json:"recorded"`
	PlayRejections int64                   `json:"playRejections"`
	Sync           playback.Stats          `json:"sync"`
	Governor       quality.GovernorMetrics `json:"governor"`
}

// Info returns the session snapshot. Safe from any goroutine.
func (s *Session) Info() Info {
	info := Info{
		ID:             s.id,
		Mode:           s.cfg.Session.Mode,
		Policy:         s.policy.String(),
		Tiles:          s.table.Len(),
		Created:        s.created,
		Started:        s.sync.Started(),
		GlobalTime:     s.sync.GlobalTime(s.sched.Now()),
		Samples:        s.scorer.Log().Len(),
		TraceLoaded:    s.traceLoaded.Load(),
		PlayRejections: s.rejections.Load(),
		Sync:           s.sync.Stats(),
		Governor:       s.governor.GetMetrics(),
	}
	if last, ok := s.scorer.Log().Last(); ok {
		info.LastQREA = &last
	}
	if s.recorder != nil {
		info.Recorded = s.recorder.Len()
	}
	return info
}
