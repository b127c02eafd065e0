package server

import (
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/viseme"
)

// Message types on the live session socket.
const (
	msgText       = "text"
	msgRig        = "rig"
	msgPhase      = "phase"
	msgTranscript = "transcript"
	msgViseme     = "viseme"
	msgPlayback   = "playback"
	msgError      = "error"
)

// Playback states carried by a playback message.
const (
	playbackStart = "start"
	playbackStop  = "stop"
	playbackEnd   = "end"
)

// clientMessage is a text frame from the browser.
type clientMessage struct {
	Type   string        `json:"type"`
	Data   string        `json:"data,omitempty"`
	Meshes []viseme.Mesh `json:"meshes,omitempty"`
}

type phaseMessage struct {
	Type  string `json:"type"`
	Phase string `json:"phase"`
}

type transcriptMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
}

type visemeMessage struct {
	Type       string                        `json:"type"`
	Intensity  float64                       `json:"intensity"`
	Speaking   bool                          `json:"speaking"`
	Targets    map[string]float64            `json:"targets"`
	Influences map[string]map[string]float64 `json:"influences,omitempty"`
}

type playbackMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeClientMessage(data []byte) (clientMessage, error) {
	var m clientMessage
	if err := sonic.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("server: decode message: %w", err)
	}
	return m, nil
}

func encodeFrame(f viseme.Frame) ([]byte, error) {
	m := visemeMessage{
		Type:      msgViseme,
		Intensity: f.Intensity,
		Speaking:  f.Speaking,
		Targets:   f.Targets,
	}
	if len(f.Influences) > 0 {
		m.Influences = make(map[string]map[string]float64, len(f.Influences))
		for mesh, idx := range f.Influences {
			out := make(map[string]float64, len(idx))
			for i, v := range idx {
				out[strconv.Itoa(i)] = v
			}
			m.Influences[mesh] = out
		}
	}
	return sonic.Marshal(m)
}

func encodeFailure(f pipeline.FailurePayload) ([]byte, error) {
	return sonic.Marshal(errorMessage{Type: msgError, Error: f.Error, Message: f.Message})
}
