package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/engine"
	"github.com/satindergrewal/stemdeck/internal/secondscreen"
	"github.com/satindergrewal/stemdeck/internal/stream"
)

const maxUpload = 512 << 20

type api struct {
	eng    *engine.Engine
	sender *secondscreen.Sender
	frames *stream.Broadcaster[[]float32]
	webrtc *stream.WebRTCHandler
	log    zerolog.Logger
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.status)

	mux.HandleFunc("POST /api/tracks", a.addTracks)
	mux.HandleFunc("DELETE /api/tracks", a.clear)
	mux.HandleFunc("DELETE /api/tracks/{id}", a.removeTrack)
	mux.HandleFunc("POST /api/tracks/{id}/volume", a.volume)
	mux.HandleFunc("POST /api/tracks/{id}/mute", a.mute)
	mux.HandleFunc("POST /api/tracks/{id}/solo", a.solo)
	mux.HandleFunc("POST /api/master", a.master)

	mux.HandleFunc("POST /api/transport/{action}", a.transport)

	mux.HandleFunc("POST /api/video", a.video)
	mux.HandleFunc("POST /api/video/trim", a.trim)

	mux.HandleFunc("GET /api/events", a.events)
	mux.HandleFunc("GET /secondscreen", a.secondScreen)
	mux.HandleFunc("DELETE /secondscreen", a.disconnectSecondScreen)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(v)
}

func (a *api) fail(w http.ResponseWriter, err error) {
	var df *engine.DecodeFailure
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownTrack):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.As(err, &df):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, secondscreen.ErrAlreadyConnected):
		status = http.StatusConflict
	case errors.Is(err, secondscreen.ErrNoVideo):
		status = http.StatusPreconditionFailed
	}
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	snap, err := a.eng.Snapshot()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"engine":           snap,
		"second_screen":    a.sender.State().String(),
		"http_listeners":   a.frames.ListenerCount(),
		"webrtc_listeners": a.webrtc.PeerCount(),
	})
}

// addTracks accepts either a multipart upload with one or more "file"
// parts, or a raw body named by ?name=. ?replace=1 loads a new song.
func (a *api) addTracks(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	videoAudio := r.URL.Query().Get("video") == "1"

	var sources []engine.TrackSource
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "invalid upload", http.StatusBadRequest)
			return
		}
		for _, fh := range r.MultipartForm.File["file"] {
			src, err := readPart(fh, videoAudio)
			if err != nil {
				http.Error(w, "invalid upload", http.StatusBadRequest)
				return
			}
			sources = append(sources, src)
		}
	} else {
		data, err := io.ReadAll(r.Body)
		if err != nil || len(data) == 0 {
			http.Error(w, "empty upload", http.StatusBadRequest)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "track"
		}
		sources = append(sources, engine.TrackSource{
			Name:         name,
			Data:         data,
			MimeHint:     r.Header.Get("Content-Type"),
			IsVideoAudio: videoAudio,
		})
	}
	if len(sources) == 0 {
		http.Error(w, "no files", http.StatusBadRequest)
		return
	}

	var infos []engine.TrackInfo
	var err error
	if r.URL.Query().Get("replace") == "1" {
		infos, err = a.eng.LoadSong(r.Context(), sources)
	} else {
		infos, err = a.addEach(r.Context(), sources)
	}

	resp := map[string]any{"tracks": infos}
	if err != nil {
		if len(infos) == 0 {
			a.fail(w, err)
			return
		}
		resp["errors"] = err.Error()
	}
	writeJSON(w, resp)
}

func (a *api) addEach(ctx context.Context, sources []engine.TrackSource) ([]engine.TrackInfo, error) {
	var infos []engine.TrackInfo
	var errs []error
	for _, src := range sources {
		info, err := a.eng.AddTrack(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, errors.Join(errs...)
}

func readPart(fh *multipart.FileHeader, videoAudio bool) (engine.TrackSource, error) {
	f, err := fh.Open()
	if err != nil {
		return engine.TrackSource{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return engine.TrackSource{}, err
	}
	return engine.TrackSource{
		Name:         strings.TrimSuffix(fh.Filename, filepath.Ext(fh.Filename)),
		Data:         data,
		MimeHint:     fh.Header.Get("Content-Type"),
		IsVideoAudio: videoAudio,
	}, nil
}

func (a *api) clear(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Clear(); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *api) removeTrack(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.RemoveTrack(r.PathValue("id")); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *api) volume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume float64 `json:"volume"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.eng.SetVolume(r.PathValue("id"), req.Volume); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// mute sets {"muted": bool}, or toggles with an empty body.
func (a *api) mute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted *bool `json:"muted"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	var err error
	if req.Muted == nil {
		err = a.eng.ToggleMute(id)
	} else {
		err = a.eng.SetMuted(id, *req.Muted)
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// solo sets {"soloed": bool}, or toggles with an empty body.
func (a *api) solo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Soloed *bool `json:"soloed"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	var err error
	if req.Soloed == nil {
		err = a.eng.ToggleSolo(id)
	} else {
		err = a.eng.SetSoloed(id, *req.Soloed)
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *api) master(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume float64 `json:"volume"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.eng.SetMasterVolume(req.Volume); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "volume": req.Volume})
}

func (a *api) transport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *float64 `json:"position"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch r.PathValue("action") {
	case "play":
		if req.Position != nil {
			err = a.eng.PlayFrom(*req.Position)
		} else {
			err = a.eng.Play()
		}
	case "pause":
		err = a.eng.Pause()
	case "stop":
		err = a.eng.Stop()
	case "toggle":
		err = a.eng.Toggle()
	case "seek":
		if req.Position == nil {
			http.Error(w, "position required", http.StatusBadRequest)
			return
		}
		err = a.eng.Seek(*req.Position)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	a.status(w, r)
}

func (a *api) video(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Src      string   `json:"src"`
		Duration float64  `json:"duration"`
		Offset   *float64 `json:"offset"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Src != "" {
		if err := a.eng.SetVideo(req.Src, req.Duration); err != nil {
			a.fail(w, err)
			return
		}
	}
	if req.Offset != nil {
		if err := a.eng.SetVideoOffset(*req.Offset); err != nil {
			a.fail(w, err)
			return
		}
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *api) trim(w http.ResponseWriter, r *http.Request) {
	err := a.eng.TrimVideoToAudio()
	resp := map[string]any{"ok": true}
	switch {
	case errors.Is(err, engine.ErrVideoLongerThanAudio):
		resp["warning"] = err.Error()
	case err != nil:
		a.fail(w, err)
		return
	}
	writeJSON(w, resp)
}

// events streams engine events as JSON text frames until the client goes
// away.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	ch, err := secondscreen.Upgrade(w, r)
	if err != nil {
		a.log.Warn().Err(err).Msg("events upgrade")
		return
	}
	defer ch.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, err := ch.ReadMessage(ctx); err != nil {
				return
			}
		}
	}()

	l := a.eng.Events().Subscribe()
	defer a.eng.Events().Unsubscribe(l)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.C:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := ch.WriteMessage(ctx, data); err != nil {
				return
			}
		}
	}
}

// secondScreen attaches a remote display and mirrors the video to it for
// the life of the connection.
func (a *api) secondScreen(w http.ResponseWriter, r *http.Request) {
	if a.eng.ScreenState().Src == "" {
		a.fail(w, secondscreen.ErrNoVideo)
		return
	}
	if a.sender.State() != secondscreen.Idle {
		a.fail(w, secondscreen.ErrAlreadyConnected)
		return
	}
	ch, err := secondscreen.Upgrade(w, r)
	if err != nil {
		a.log.Warn().Err(err).Msg("second screen upgrade")
		return
	}
	if err := a.sender.Serve(r.Context(), ch); err != nil {
		a.log.Warn().Err(err).Msg("second screen")
	}
}

func (a *api) disconnectSecondScreen(w http.ResponseWriter, r *http.Request) {
	a.sender.Disconnect()
	writeJSON(w, map[string]any{"ok": true})
}
