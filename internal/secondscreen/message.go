// Package secondscreen mirrors the session video onto a remote display over
// a JSON message channel. The primary is the only clock; the remote display
// corrects itself toward the positions it is sent.
package secondscreen

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned by Decode for message types this package
// does not handle. Peers ignore such messages.
var ErrUnknownMessage = errors.New("unknown message type")

const (
	typeReady     = "ready"
	typeLoadVideo = "load-video"
	typeSync      = "sync"
)

// Message is one of Ready, LoadVideo or Sync.
type Message interface {
	messageType() string
}

// Ready is sent by the display once it can accept a video.
type Ready struct{}

// LoadVideo tells the display which video to show and where to start.
type LoadVideo struct {
	Src         string
	CurrentTime float64
}

// Sync carries the primary's video position. A nil Src means no video.
type Sync struct {
	Src         *string
	CurrentTime float64
	Playing     bool
}

func (Ready) messageType() string     { return typeReady }
func (LoadVideo) messageType() string { return typeLoadVideo }
func (Sync) messageType() string      { return typeSync }

type readyWire struct {
	Type string `json:"type"`
}

type loadVideoWire struct {
	Type        string  `json:"type"`
	Src         string  `json:"src"`
	CurrentTime float64 `json:"currentTime"`
}

type syncWire struct {
	Type        string  `json:"type"`
	Src         *string `json:"src"`
	CurrentTime float64 `json:"currentTime"`
	Playing     bool    `json:"playing"`
}

// Encode renders a message as JSON.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case Ready:
		return json.Marshal(readyWire{Type: typeReady})
	case LoadVideo:
		return json.Marshal(loadVideoWire{Type: typeLoadVideo, Src: m.Src, CurrentTime: m.CurrentTime})
	case Sync:
		return json.Marshal(syncWire{Type: typeSync, Src: m.Src, CurrentTime: m.CurrentTime, Playing: m.Playing})
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownMessage)
	}
}

// Decode parses a JSON message. Unknown types yield ErrUnknownMessage.
func Decode(data []byte) (Message, error) {
	var w syncWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch w.Type {
	case typeReady:
		return Ready{}, nil
	case typeLoadVideo:
		var src string
		if w.Src != nil {
			src = *w.Src
		}
		return LoadVideo{Src: src, CurrentTime: w.CurrentTime}, nil
	case typeSync:
		return Sync{Src: w.Src, CurrentTime: w.CurrentTime, Playing: w.Playing}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
	}
}
