package engine

// VideoSurface is an externally rendered video. It is a follower only: its
// own clock is never read back into the transport.
type VideoSurface interface {
	SetSource(src string)
	Source() string
	SetPosition(seconds float64)
	Position() float64
	Play()
	Pause()
	Playing() bool
}

// VideoSync pins a video surface to the transport plus the session's
// video offset.
type VideoSync struct {
	surface VideoSurface
	session *Session
}

// NewVideoSync reads its offset from the session.
func NewVideoSync(s *Session) *VideoSync {
	return &VideoSync{session: s}
}

// Attach binds a surface; nil detaches.
func (v *VideoSync) Attach(s VideoSurface) {
	v.surface = s
}

// Surface returns the attached surface, or nil.
func (v *VideoSync) Surface() VideoSurface { return v.surface }

// Offset returns the manual video offset in seconds.
func (v *VideoSync) Offset() float64 { return v.session.VideoOffset }

// SetOffset changes the offset and repositions the surface at once.
func (v *VideoSync) SetOffset(offset, transportPos float64) {
	v.session.VideoOffset = offset
	v.place(transportPos)
}

// Position maps a transport position to a video position.
func (v *VideoSync) Position(transportPos float64) float64 {
	return max(0, transportPos+v.session.VideoOffset)
}

// OnPlay positions the surface and starts it.
func (v *VideoSync) OnPlay(transportPos float64) {
	if v.surface == nil {
		return
	}
	v.place(transportPos)
	v.surface.Play()
}

// OnPause halts the surface where it is.
func (v *VideoSync) OnPause() {
	if v.surface == nil {
		return
	}
	v.surface.Pause()
}

// OnSeek repositions the surface without changing its play state.
func (v *VideoSync) OnSeek(transportPos float64) {
	v.place(transportPos)
}

// OnStop halts the surface and rewinds it to the start of the song.
func (v *VideoSync) OnStop() {
	if v.surface == nil {
		return
	}
	v.surface.Pause()
	v.place(0)
}

func (v *VideoSync) place(transportPos float64) {
	if v.surface == nil {
		return
	}
	v.surface.SetPosition(v.Position(transportPos))
}
