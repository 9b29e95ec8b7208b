// Package viewer speaks JSON-RPC 2.0 over a websocket to the browser that
// renders the tiles, and exposes its media as playback elements.
package viewer

// Viewer to server notifications.
const (
	MethodGaze          = "gaze"
	MethodMediaEvent    = "media.event"
	MethodMediaState    = "media.state"
	MethodLevels        = "levels"
	MethodLevelSwitched = "level.switched"
	MethodLatency       = "latency"
	MethodPlay          = "play"
)

// Server to viewer notifications.
const (
	MethodNextLevel   = "hls.nextLevel"
	MethodMediaSeek   = "media.seek"
	MethodMediaPlay   = "media.play"
	MethodMediaPause  = "media.pause"
	MethodMediaSource = "media.source"
	MethodSession     = "session"
)

// EventPlayRejected is reported when the browser refuses to start playback,
// typically because of its autoplay policy.
const EventPlayRejected = "playRejected"

type GazeParams struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type MediaEventParams struct {
	Tile     int     `json:"tile"`
	Event    string  `json:"event"`
	Position float64 `json:"position"`
	Reason   string  `json:"reason,omitempty"`
}

type MediaStateParams struct {
	Tile     int     `json:"tile"`
	Position float64 `json:"position"`
	Paused   bool    `json:"paused"`
}

type LevelsParams struct {
	Tile    int `json:"tile"`
	Count   int `json:"count"`
	Current int `json:"current"`
}

type LevelSwitchedParams struct {
	Tile  int `json:"tile"`
	Level int `json:"level"`
}

type LatencyParams struct {
	Ms float64 `json:"ms"`
}

type NextLevelParams struct {
	Tile  int `json:"tile"`
	Level int `json:"level"`
}

type SeekParams struct {
	Tile     int     `json:"tile"`
	Position float64 `json:"position"`
}

type TileParams struct {
	Tile int `json:"tile"`
}

type SourceParams struct {
	Tile int    `json:"tile"`
	Src  string `json:"src"`
}

// SessionParams tell the viewer which session it belongs to, for the HTTP
// routes keyed by session id.
type SessionParams struct {
	ID    string `json:"id"`
	Tiles int    `json:"tiles"`
	Mode  string `json:"mode"`
}
