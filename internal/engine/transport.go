package engine

// TransportState is the sampled playback state. It is recomputed on every
// tick and never stored.
type TransportState struct {
	Position       float64 `json:"position"`
	Playing        bool    `json:"playing"`
	ReferenceStart float64 `json:"reference_start"`
}

// Transport is the single source of truth for playback position. Position
// is always derived from the graph clock, never accumulated.
type Transport struct {
	graph   Graph
	session *Session
	gains   func() map[string]float64

	playing  bool
	offset   float64 // resume point while paused or stopped
	refStart float64 // clock time at which position 0 would have played
}

// NewTransport binds a transport to a graph and session. gains resolves the
// current per-track gains when units are built.
func NewTransport(graph Graph, session *Session, gains func() map[string]float64) *Transport {
	return &Transport{graph: graph, session: session, gains: gains}
}

// Play starts every track from the given offset. Playing from the end
// restarts from the top.
func (t *Transport) Play(from float64) {
	if t.playing {
		t.graph.Teardown()
	}
	dur := t.session.Duration()
	if from < 0 || (dur > 0 && from >= dur) {
		from = 0
	}
	if dur > 0 {
		t.graph.Start(t.session.Tracks(), from, t.gains())
	}
	t.offset = from
	t.refStart = t.graph.Now() - from
	t.playing = true
}

// Resume plays from the stored offset.
func (t *Transport) Resume() {
	t.Play(t.offset)
}

// Pause stops output and keeps the current position as the resume point.
func (t *Transport) Pause() {
	if !t.playing {
		return
	}
	pos := t.Position()
	t.graph.Teardown()
	t.playing = false
	t.offset = pos
}

// Stop stops output and rewinds to 0.
func (t *Transport) Stop() {
	t.graph.Teardown()
	t.playing = false
	t.offset = 0
}

// Toggle pauses while playing and resumes otherwise.
func (t *Transport) Toggle() {
	if t.playing {
		t.Pause()
		return
	}
	t.Resume()
}

// Seek moves the playhead. Units cannot be repositioned once started, so
// while playing they are rebuilt at the new offset.
func (t *Transport) Seek(to float64) {
	if to < 0 {
		to = 0
	}
	if t.playing {
		t.graph.Teardown()
		t.playing = false
		t.Play(to)
		return
	}
	t.offset = to
}

// Position returns the playhead in seconds.
func (t *Transport) Position() float64 {
	if !t.playing {
		return t.offset
	}
	return t.graph.Now() - t.refStart
}

// Playing reports whether units are running.
func (t *Transport) Playing() bool { return t.playing }

// State samples the transport.
func (t *Transport) State() TransportState {
	return TransportState{Position: t.Position(), Playing: t.playing, ReferenceStart: t.refStart}
}

// Tick samples the position and stops the transport once it passes the end
// of the session. ended is true on the tick that stopped it.
func (t *Transport) Tick() (state TransportState, ended bool) {
	if t.playing {
		dur := t.session.Duration()
		if dur > 0 && t.Position() >= dur {
			t.Stop()
			return t.State(), true
		}
	}
	return t.State(), false
}

// RemoveTrack drops a removed track's unit without disturbing the others.
func (t *Transport) RemoveTrack(id string) {
	t.graph.Remove(id)
}
