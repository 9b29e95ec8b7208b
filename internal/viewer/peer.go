package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/geometry"
	"github.com/mikeyg42/tileabr/internal/playback"
	"github.com/mikeyg42/tileabr/internal/scheduler"
)

var (
	// ErrClosed is returned when notifying a peer whose connection has ended.
	ErrClosed = errors.New("viewer: connection closed")
	// ErrQueueFull is returned when the outgoing queue cannot take more notifications.
	ErrQueueFull = errors.New("viewer: outgoing queue full")
)

// Listener receives the viewer input a session acts on. Calls arrive on the
// connection's read goroutine.
type Listener interface {
	Gaze(dir geometry.Vec3)
	Latency(ms float64)
	Play()
	LevelSwitched(tile, level int)
	PlayRejected(tile int, reason string)
}

// Options describe the viewer's tile layout.
type Options struct {
	Tiles        int
	Adaptive     bool
	QueueSize    int
	WriteTimeout time.Duration
}

type outbound struct {
	method string
	params any
}

// Peer is one connected viewer.
type Peer struct {
	id     string
	opts   Options
	logger *zap.Logger

	elements []*Element
	streams  []*Stream

	out     chan outbound
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64

	mu       sync.RWMutex
	listener Listener
}

// NewPeer creates the tile elements for a viewer. Notifications queue until
// Serve attaches the connection.
func NewPeer(id string, opts Options, clock scheduler.Clock, logger *zap.Logger) *Peer {
	if logger == nil {
		logger = zap.L()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	p := &Peer{
		id:     id,
		opts:   opts,
		logger: logger.Named("viewer").With(zap.String("session", id)),
		out:    make(chan outbound, opts.QueueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < opts.Tiles; i++ {
		p.elements = append(p.elements, NewElement(i, p, clock))
		if opts.Adaptive {
			p.streams = append(p.streams, NewStream(i, p))
		}
	}
	return p
}

// ID returns the session the peer belongs to.
func (p *Peer) ID() string { return p.id }

// Elements returns the tile elements as playback elements.
func (p *Peer) Elements() []playback.Element {
	out := make([]playback.Element, len(p.elements))
	for i, el := range p.elements {
		out[i] = el
	}
	return out
}

// Streams returns the adaptive-streaming sessions, or nil for source tiles.
func (p *Peer) Streams() []playback.AdaptiveSession {
	if len(p.streams) == 0 {
		return nil
	}
	out := make([]playback.AdaptiveSession, len(p.streams))
	for i, s := range p.streams {
		out[i] = s
	}
	return out
}

// Dropped returns how many notifications were dropped on a full queue.
func (p *Peer) Dropped() uint64 { return p.dropped.Load() }

// SetListener routes viewer input to l.
func (p *Peer) SetListener(l Listener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

// Notify queues a notification for the viewer without blocking.
func (p *Peer) Notify(method string, params any) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- outbound{method: method, params: params}:
		return nil
	default:
		p.dropped.Add(1)
		p.logger.Warn("Outgoing queue full, dropping notification", zap.String("method", method))
		return ErrQueueFull
	}
}

// Done is closed when Serve returns.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Serve runs the JSON-RPC connection over ws until the viewer disconnects or
// ctx is cancelled.
func (p *Peer) Serve(ctx context.Context, ws *websocket.Conn) error {
	defer p.once.Do(func() { close(p.done) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := &websocketAdapter{conn: ws, writeTimeout: p.opts.WriteTimeout}
	conn := jsonrpc2.NewConn(ctx, stream,
		jsonrpc2.HandlerWithError(p.handle).SuppressErrClosed(),
		jsonrpc2.SetLogger(zap.NewStdLog(p.logger)))
	defer conn.Close()

	p.logger.Info("Viewer connected",
		zap.Int("tiles", p.opts.Tiles),
		zap.Bool("adaptive", p.opts.Adaptive),
		zap.String("remote", ws.RemoteAddr().String()))

	go p.writeLoop(ctx, conn)

	select {
	case <-conn.DisconnectNotify():
		p.logger.Info("Viewer disconnected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) writeLoop(ctx context.Context, conn *jsonrpc2.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.out:
			if err := conn.Notify(ctx, m.method, m.params); err != nil {
				if errors.Is(err, jsonrpc2.ErrClosed) {
					return
				}
				p.logger.Warn("Failed to send notification", zap.String("method", m.method), zap.Error(err))
			}
		}
	}
}

func (p *Peer) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	p.mu.RLock()
	l := p.listener
	p.mu.RUnlock()
	if l == nil {
		l = nopListener{}
	}

	switch req.Method {
	case MethodGaze:
		var g GazeParams
		if err := decode(req, &g); err != nil {
			return nil, err
		}
		l.Gaze(geometry.Vec3{X: g.X, Y: g.Y, Z: g.Z})

	case MethodMediaEvent:
		var ev MediaEventParams
		if err := decode(req, &ev); err != nil {
			return nil, err
		}
		el, err := p.element(ev.Tile)
		if err != nil {
			return nil, err
		}
		if el.Observe(ev.Event, ev.Position) {
			l.PlayRejected(ev.Tile, ev.Reason)
		}

	case MethodMediaState:
		var st MediaStateParams
		if err := decode(req, &st); err != nil {
			return nil, err
		}
		el, err := p.element(st.Tile)
		if err != nil {
			return nil, err
		}
		el.UpdateState(st.Position, st.Paused)

	case MethodLevels:
		var lv LevelsParams
		if err := decode(req, &lv); err != nil {
			return nil, err
		}
		s, err := p.stream(lv.Tile)
		if err != nil {
			return nil, err
		}
		s.SetLevels(lv.Count, lv.Current)
		p.logger.Debug("Levels parsed", zap.Int("tile", lv.Tile), zap.Int("count", lv.Count))

	case MethodLevelSwitched:
		var sw LevelSwitchedParams
		if err := decode(req, &sw); err != nil {
			return nil, err
		}
		s, err := p.stream(sw.Tile)
		if err != nil {
			return nil, err
		}
		s.Switched(sw.Level)
		l.LevelSwitched(sw.Tile, sw.Level)

	case MethodLatency:
		var lat LatencyParams
		if err := decode(req, &lat); err != nil {
			return nil, err
		}
		l.Latency(lat.Ms)

	case MethodPlay:
		l.Play()

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return nil, nil
}

func (p *Peer) element(tile int) (*Element, error) {
	if tile < 0 || tile >= len(p.elements) {
		return nil, invalidParams("tile %d out of range", tile)
	}
	return p.elements[tile], nil
}

func (p *Peer) stream(tile int) (*Stream, error) {
	if tile < 0 || tile >= len(p.streams) {
		return nil, invalidParams("tile %d has no adaptive stream", tile)
	}
	return p.streams[tile], nil
}

func decode(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return invalidParams("%s: missing params", req.Method)
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return invalidParams("%s: %v", req.Method, err)
	}
	return nil
}

func invalidParams(format string, args ...any) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

type nopListener struct{}

func (nopListener) Gaze(geometry.Vec3)       {}
func (nopListener) Latency(float64)          {}
func (nopListener) Play()                    {}
func (nopListener) LevelSwitched(int, int)   {}
func (nopListener) PlayRejected(int, string) {}

// websocketAdapter carries one JSON-RPC object per websocket text message.
type websocketAdapter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (a *websocketAdapter) WriteObject(obj any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeTimeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	}
	return a.conn.WriteJSON(obj)
}

func (a *websocketAdapter) ReadObject(v any) error {
	return a.conn.ReadJSON(v)
}

func (a *websocketAdapter) Close() error {
	return a.conn.Close()
}
