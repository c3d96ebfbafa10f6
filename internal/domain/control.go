package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type ContentType string

const (
	ContentTypeText               ContentType = "text"
	ContentTypeFile               ContentType = "file"
	ContentTypeCallOffer          ContentType = "call_offer"
	ContentTypeCallAnswer         ContentType = "call_answer"
	ContentTypeICECandidate       ContentType = "ice_candidate"
	ContentTypeEndCall            ContentType = "end_call"
	ContentTypeCallResponse       ContentType = "call_response"
	ContentTypeRoomNameChange     ContentType = "room_name_change"
	ContentTypeWalkieTalkieStart  ContentType = "walkie_talkie_start"
	ContentTypeWalkieTalkieStop   ContentType = "walkie_talkie_stop"
	ContentTypeWalkieTalkieOffer  ContentType = "walkie_talkie_offer"
	ContentTypeWalkieTalkieAnswer ContentType = "walkie_talkie_answer"
	ContentTypeWalkieTalkieICE    ContentType = "walkie_talkie_ice"
)

// Content is the decoded form of a message body. Exactly one of the concrete
// pointer types below implements it for every body.
type Content interface {
	ContentType() ContentType
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CallResponseKind string

const (
	CallResponseBusy     CallResponseKind = "busy"
	CallResponseDeclined CallResponseKind = "declined"
)

type Text struct {
	Body string `json:"-"`
}

type FileAttachment struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileData string `json:"fileData"`
}

type CallOffer struct {
	CallType MediaKind          `json:"callType"`
	Offer    SessionDescription `json:"offer"`
}

type CallAnswer struct {
	Answer SessionDescription `json:"answer"`
}

type CallICE struct {
	Candidate ICECandidate `json:"candidate"`
}

type EndCall struct{}

type CallResponse struct {
	Response CallResponseKind `json:"response"`
}

type RoomNameChange struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

type WalkieTalkieStart struct {
	BroadcasterID string `json:"broadcasterId"`
}

type WalkieTalkieStop struct {
	BroadcasterID string `json:"broadcasterId"`
}

type WalkieTalkieOffer struct {
	FromID string             `json:"fromId"`
	ToID   string             `json:"toId"`
	Offer  SessionDescription `json:"offer"`
}

type WalkieTalkieAnswer struct {
	FromID string             `json:"fromId"`
	ToID   string             `json:"toId"`
	Answer SessionDescription `json:"answer"`
}

type WalkieTalkieICE struct {
	FromID    string       `json:"fromId"`
	ToID      string       `json:"toId"`
	Candidate ICECandidate `json:"candidate"`
}

func (*Text) ContentType() ContentType               { return ContentTypeText }
func (*FileAttachment) ContentType() ContentType     { return ContentTypeFile }
func (*CallOffer) ContentType() ContentType          { return ContentTypeCallOffer }
func (*CallAnswer) ContentType() ContentType         { return ContentTypeCallAnswer }
func (*CallICE) ContentType() ContentType            { return ContentTypeICECandidate }
func (*EndCall) ContentType() ContentType            { return ContentTypeEndCall }
func (*CallResponse) ContentType() ContentType       { return ContentTypeCallResponse }
func (*RoomNameChange) ContentType() ContentType     { return ContentTypeRoomNameChange }
func (*WalkieTalkieStart) ContentType() ContentType  { return ContentTypeWalkieTalkieStart }
func (*WalkieTalkieStop) ContentType() ContentType   { return ContentTypeWalkieTalkieStop }
func (*WalkieTalkieOffer) ContentType() ContentType  { return ContentTypeWalkieTalkieOffer }
func (*WalkieTalkieAnswer) ContentType() ContentType { return ContentTypeWalkieTalkieAnswer }
func (*WalkieTalkieICE) ContentType() ContentType    { return ContentTypeWalkieTalkieICE }

func newContent(t ContentType) Content {
	switch t {
	case ContentTypeFile:
		return &FileAttachment{}
	case ContentTypeCallOffer:
		return &CallOffer{}
	case ContentTypeCallAnswer:
		return &CallAnswer{}
	case ContentTypeICECandidate:
		return &CallICE{}
	case ContentTypeEndCall:
		return &EndCall{}
	case ContentTypeCallResponse:
		return &CallResponse{}
	case ContentTypeRoomNameChange:
		return &RoomNameChange{}
	case ContentTypeWalkieTalkieStart:
		return &WalkieTalkieStart{}
	case ContentTypeWalkieTalkieStop:
		return &WalkieTalkieStop{}
	case ContentTypeWalkieTalkieOffer:
		return &WalkieTalkieOffer{}
	case ContentTypeWalkieTalkieAnswer:
		return &WalkieTalkieAnswer{}
	case ContentTypeWalkieTalkieICE:
		return &WalkieTalkieICE{}
	default:
		return nil
	}
}

// ParseContent decodes a message body. Bodies that are not a JSON object with a
// known "type" field, including malformed JSON, decode as *Text.
func ParseContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return &Text{Body: raw}
	}
	typ := gjson.Get(trimmed, "type")
	if typ.Type != gjson.String {
		return &Text{Body: raw}
	}
	content := newContent(ContentType(typ.Str))
	if content == nil {
		return &Text{Body: raw}
	}
	if err := json.Unmarshal([]byte(trimmed), content); err != nil {
		return &Text{Body: raw}
	}
	return content
}

// EncodeContent renders content as a message body.
func EncodeContent(content Content) (string, error) {
	if content == nil {
		return "", fmt.Errorf("nil content")
	}
	if text, ok := content.(*Text); ok {
		return text.Body, nil
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", content.ContentType(), err)
	}
	payload, err = sjson.SetBytes(payload, "type", string(content.ContentType()))
	if err != nil {
		return "", fmt.Errorf("failed to tag %s: %w", content.ContentType(), err)
	}
	return string(payload), nil
}

// IsControl reports whether content is protocol traffic that never reaches the
// visible message list.
func IsControl(content Content) bool {
	switch content.(type) {
	case *Text, *FileAttachment:
		return false
	case nil:
		return false
	default:
		return true
	}
}

// IsCallControl reports whether content belongs to one-to-one call signaling.
func IsCallControl(content Content) bool {
	switch content.(type) {
	case *CallOffer, *CallAnswer, *CallICE, *EndCall, *CallResponse:
		return true
	}
	return false
}

// IsBroadcastControl reports whether content belongs to group broadcast signaling.
func IsBroadcastControl(content Content) bool {
	switch content.(type) {
	case *WalkieTalkieStart, *WalkieTalkieStop, *WalkieTalkieOffer, *WalkieTalkieAnswer, *WalkieTalkieICE:
		return true
	}
	return false
}

// Preview returns a short human-readable summary of content.
func Preview(content Content) string {
	switch c := content.(type) {
	case *Text:
		return c.Body
	case *FileAttachment:
		return "[file] " + c.FileName
	case *RoomNameChange:
		return "[room renamed] " + c.RoomName
	default:
		return "[" + string(content.ContentType()) + "]"
	}
}
