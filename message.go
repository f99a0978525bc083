package collab

import (
	"encoding/json"
	"fmt"
)

// frames are the only unit that crosses a transport. Payload bytes are
// opaque to everything except the document service that produced them.

type FrameKind string

const (
	FrameKindUpdate   FrameKind = "update"
	FrameKindPresence FrameKind = "presence"
)

type Frame struct {
	Kind      FrameKind        `json:"kind"`
	SessionId string           `json:"sessionId"`
	Origin    Id               `json:"origin"`
	FilePath  string           `json:"filePath,omitempty"`
	Payload   []byte           `json:"payload,omitempty"`
	Presence  *PresencePayload `json:"presence,omitempty"`
}

type PresenceAction string

const (
	PresenceActionJoin      PresenceAction = "join"
	PresenceActionUpdate    PresenceAction = "update"
	PresenceActionLeave     PresenceAction = "leave"
	PresenceActionStatus    PresenceAction = "status"
	PresenceActionFile      PresenceAction = "file"
	PresenceActionTyping    PresenceAction = "typing"
	PresenceActionSelection PresenceAction = "selection"
)

type PresencePayload struct {
	Action PresenceAction `json:"action"`
	UserId string         `json:"userId"`
	Data   PresenceData   `json:"data"`
}

// last-write-wins per field. Pointer fields distinguish "absent" from zero.
type PresenceData struct {
	Name         string     `json:"name,omitempty"`
	Color        string     `json:"color,omitempty"`
	Status       string     `json:"status,omitempty"`
	CustomStatus *string    `json:"customStatus,omitempty"`
	CurrentFile  *string    `json:"currentFile,omitempty"`
	CurrentLine  *int       `json:"currentLine,omitempty"`
	IsTyping     *bool      `json:"isTyping,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
}

type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	if frame.Kind == "" {
		return nil, fmt.Errorf("frame kind not set")
	}
	return json.Marshal(frame)
}

func DecodeFrame(frameBytes []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, err
	}
	switch frame.Kind {
	case FrameKindUpdate, FrameKindPresence:
	default:
		return nil, fmt.Errorf("unknown frame kind: %s", frame.Kind)
	}
	return frame, nil
}
